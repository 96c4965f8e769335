package turn

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeReply unwraps replies that a model returned as a JSON object
// instead of plain text. Anything else is returned trimmed and unchanged.
func NormalizeReply(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return trimmed
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return trimmed
	}
	if v, ok := obj["message"]; ok {
		return stringify(v)
	}
	// Tool-planning shaped output: {"thought":…, "call":…, "response":…}.
	if _, hasThought := obj["thought"]; hasThought {
		if _, hasCall := obj["call"]; hasCall {
			if r := stringify(obj["response"]); r != "" {
				return r
			}
			if th := stringify(obj["thought"]); th != "" {
				return th
			}
		}
	}
	if v, ok := obj["response"]; ok {
		if r := stringify(v); r != "" {
			return r
		}
	}
	return trimmed
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
