package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
)

// FallbackGenerator tries a primary generator and falls back when it fails to
// open a stream. Failures after the first chunk are not retried.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) Generate(ctx context.Context, history []memory.TurnRecord, content string) (*schema.StreamReader[*schema.Message], error) {
	if g.primary == nil {
		if g.fallback == nil {
			return nil, errors.New("fallback generator misconfigured")
		}
		return g.fallback.Generate(ctx, history, content)
	}
	sr, err := g.primary.Generate(ctx, history, content)
	if err == nil {
		return sr, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || g.fallback == nil {
		return nil, err
	}
	sr, fallbackErr := g.fallback.Generate(ctx, history, content)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return sr, nil
}
