package session

import (
	"context"
	"time"
)

type ExpiryReason string

const (
	ReasonIdle     ExpiryReason = "idle"
	ReasonCapacity ExpiryReason = "capacity"
)

// Expiry describes a session removed from the table.
type Expiry struct {
	SessionID      string       `json:"session_id"`
	UserID         string       `json:"user_id"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	Reason         ExpiryReason `json:"reason"`
}

// ExpiryNotifier receives eviction events, e.g. to trigger history summarization.
type ExpiryNotifier interface {
	NotifyExpired(ctx context.Context, e Expiry) error
}

type ExpiryNotifierFunc func(ctx context.Context, e Expiry) error

func (f ExpiryNotifierFunc) NotifyExpired(ctx context.Context, e Expiry) error {
	return f(ctx, e)
}

// StatusResponse is the public snapshot of a tracked session.
type StatusResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	TurnInFlight    bool      `json:"turn_in_flight"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func newExpiry(s *Session, reason ExpiryReason) Expiry {
	return Expiry{
		SessionID:      s.ID,
		UserID:         s.UserID,
		LastActivityAt: s.LastActivityAt,
		Reason:         reason,
	}
}
