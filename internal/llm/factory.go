package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderAuto = "auto"
	ProviderArk  = "ark"
	ProviderHTTP = "http"
	ProviderMock = "mock"
)

// Config controls generator construction.
type Config struct {
	Provider     string
	HTTPURL      string
	SystemPrompt string
	Ark          ArkConfig
}

// NewGenerator builds the configured generator and reports the provider
// actually selected.
func NewGenerator(ctx context.Context, cfg Config) (Generator, string, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderAuto
	}

	switch provider {
	case ProviderAuto:
		return newAutoGenerator(ctx, cfg)
	case ProviderArk:
		g, err := NewArkGenerator(ctx, cfg.Ark, cfg.SystemPrompt)
		if err != nil {
			return nil, "", err
		}
		return g, ProviderArk, nil
	case ProviderHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("LLM_HTTP_URL is required for http provider")
		}
		return NewHTTPGenerator(cfg.HTTPURL), ProviderHTTP, nil
	case ProviderMock:
		return NewMockGenerator(), ProviderMock, nil
	default:
		return nil, "", fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func newAutoGenerator(ctx context.Context, cfg Config) (Generator, string, error) {
	var secondary Generator
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPGenerator(cfg.HTTPURL)
	}

	if cfg.Ark.Enabled() {
		ark, err := NewArkGenerator(ctx, cfg.Ark, cfg.SystemPrompt)
		if err != nil {
			return nil, "", err
		}
		if secondary != nil {
			return NewFallbackGenerator(ark, secondary), ProviderArk, nil
		}
		return ark, ProviderArk, nil
	}
	if secondary != nil {
		return secondary, ProviderHTTP, nil
	}
	return NewMockGenerator(), ProviderMock, nil
}
