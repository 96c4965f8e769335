package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
)

// MockGenerator provides deterministic local replies when no model is configured.
type MockGenerator struct {
	// ChunkDelay spaces out chunks to imitate a streaming backend.
	ChunkDelay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunks := splitWords(buildMockReply(history, content))
	if g.ChunkDelay <= 0 {
		return streamText(chunks), nil
	}

	sr, sw := schema.Pipe[*schema.Message](len(chunks))
	go func() {
		defer sw.Close()
		timer := time.NewTimer(g.ChunkDelay)
		defer timer.Stop()
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				sw.Send(nil, ctx.Err())
				return
			case <-timer.C:
			}
			if closed := sw.Send(schema.AssistantMessage(c, nil), nil); closed {
				return
			}
			timer.Reset(g.ChunkDelay)
		}
	}()
	return sr, nil
}

func buildMockReply(history []memory.TurnRecord, content string) string {
	base := strings.TrimSpace(content)
	if base == "" {
		base = "I am listening."
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != memory.RoleUser {
			continue
		}
		if last := strings.TrimSpace(history[i].Content); last != "" {
			return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
		}
		break
	}
	return fmt.Sprintf("I heard you: %s", base)
}

// splitWords keeps the trailing whitespace on each chunk so the chunks
// concatenate back to the original text.
func splitWords(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
