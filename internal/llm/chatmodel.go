package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
)

const defaultSystemPrompt = "You are a warm, concise conversational companion."

// ChatModelGenerator streams replies from any eino chat model through a
// system/history/query prompt chain.
type ChatModelGenerator struct {
	systemPrompt string
	model        model.BaseChatModel
	chain        compose.Runnable[map[string]any, *schema.Message]
}

func NewChatModelGenerator(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*ChatModelGenerator, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	tpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}
	return &ChatModelGenerator{systemPrompt: systemPrompt, model: chatModel, chain: runnable}, nil
}

func (g *ChatModelGenerator) Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error) {
	input := map[string]any{
		"system":  g.systemPrompt,
		"history": HistoryMessages(history),
		"query":   content,
	}
	stream, err := g.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return stream, nil
}
