package memory

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	ContextID   string    `json:"context_id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history keyed by context id.
// Append stores all records or none of them, and skips any record ID that is
// already stored.
type Store interface {
	Append(ctx context.Context, records ...TurnRecord) error
	History(ctx context.Context, contextID string) ([]TurnRecord, error)
	Close() error
}
