package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
)

// ArkConfig holds Volcengine Ark credentials and sampling options.
type ArkConfig struct {
	BaseURL     string
	Region      string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	MaxTokens   *int
	Temperature *float32
	TopP        *float32
}

// Enabled reports whether a model and either an API key or an AK/SK pair are set.
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

func NewArkGenerator(ctx context.Context, cfg ArkConfig, systemPrompt string) (*ChatModelGenerator, error) {
	if !cfg.Enabled() {
		return nil, errors.New("ark requires a model and ARK_API_KEY or an access/secret key pair")
	}
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return NewChatModelGenerator(ctx, chatModel, systemPrompt)
}
