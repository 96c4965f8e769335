package memory

import (
	"context"
	"strings"
)

// NewStore returns a postgres-backed history store when a database URL is
// configured, otherwise an in-process one. The second value names the backend.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), "in-memory", nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, "postgres", nil
}
