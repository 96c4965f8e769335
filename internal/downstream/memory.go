package downstream

import (
	"context"
	"net/url"
	"time"

	"github.com/ent0n29/companion/internal/session"
)

// MemoryClient requests history summaries from the long-term memory service.
type MemoryClient struct {
	c client
}

func NewMemoryClient(baseURL string, timeout time.Duration) *MemoryClient {
	return &MemoryClient{c: newClient("memory", baseURL, timeout)}
}

func (m *MemoryClient) CreateSummary(ctx context.Context, userID, sessionID string) error {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("session_id", sessionID)
	return m.c.postJSON(ctx, "/summary/create", q, nil)
}

// NotifyExpired implements session.ExpiryNotifier.
func (m *MemoryClient) NotifyExpired(ctx context.Context, e session.Expiry) error {
	return m.CreateSummary(ctx, e.UserID, e.SessionID)
}
