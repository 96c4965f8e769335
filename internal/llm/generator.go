package llm

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
)

// ErrGenerationFailed wraps any failure reported by a language-model backend.
var ErrGenerationFailed = errors.New("generation failed")

// Generator produces a reply for new user content given the prior history.
// The returned reader is finite and cannot be restarted; callers must Close it.
type Generator interface {
	Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error)
}

// GeneratorFunc adapts a function into a Generator.
type GeneratorFunc func(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error)

func (f GeneratorFunc) Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error) {
	return f(ctx, history, content)
}

// HistoryMessages maps stored turn records onto chat messages. Records with
// unknown roles are skipped.
func HistoryMessages(history []memory.TurnRecord) []*schema.Message {
	if len(history) == 0 {
		return nil
	}
	out := make([]*schema.Message, 0, len(history))
	for _, rec := range history {
		switch rec.Role {
		case memory.RoleUser:
			out = append(out, schema.UserMessage(rec.Content))
		case memory.RoleAssistant:
			out = append(out, schema.AssistantMessage(rec.Content, nil))
		}
	}
	return out
}

// streamText returns a reader that yields each chunk as an assistant message.
func streamText(chunks []string) *schema.StreamReader[*schema.Message] {
	msgs := make([]*schema.Message, 0, len(chunks))
	for _, c := range chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs)
}
