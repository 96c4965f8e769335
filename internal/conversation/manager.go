package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/policy"
)

type Options struct {
	// RedactPII masks personal data (emails, phone and card numbers, API keys)
	// before records are stored.
	RedactPII bool
	Logger    *slog.Logger
}

// Manager resolves conversation contexts and keeps their history. Contexts
// have no expiry of their own; eviction belongs to the backing store.
type Manager struct {
	store    memory.Store
	redactor *policy.Redactor
	newID    func() string
	logger   *slog.Logger
}

func NewManager(store memory.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "conversation")),
	}
	if opts.RedactPII {
		m.redactor = policy.NewRedactor()
	}
	return m
}

// Resolve returns requested unchanged when it names a context with history.
// Anything else (empty, unknown, unreadable) yields a freshly generated id.
func (m *Manager) Resolve(ctx context.Context, requested string) (contextID string, fresh bool) {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		history, err := m.store.History(ctx, requested)
		switch {
		case err != nil:
			m.logger.WarnContext(ctx, "context lookup failed, starting fresh",
				slog.String("context_id", requested),
				slog.Any("error", err),
			)
		case len(history) > 0:
			return requested, false
		default:
			m.logger.DebugContext(ctx, "unknown context replaced", slog.String("context_id", requested))
		}
	}
	return m.newID(), true
}

// Append stores records under contextID as one unit: either all of them land
// in history or none do.
func (m *Manager) Append(ctx context.Context, contextID string, records ...memory.TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := make([]memory.TurnRecord, 0, len(records))
	for _, record := range records {
		record.ContextID = contextID
		if m.redactor != nil {
			var kinds []string
			record.Content, kinds = m.redactor.Redact(record.Content)
			record.PIIRedacted = len(kinds) > 0
			if record.PIIRedacted {
				m.logger.DebugContext(ctx, "personal data redacted",
					slog.String("context_id", contextID),
					slog.Any("kinds", kinds),
				)
			}
		}
		batch = append(batch, record)
	}
	if err := m.store.Append(ctx, batch...); err != nil {
		return fmt.Errorf("append %d records to %s: %w", len(batch), contextID, err)
	}
	return nil
}

func (m *Manager) History(ctx context.Context, contextID string) ([]memory.TurnRecord, error) {
	history, err := m.store.History(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", contextID, err)
	}
	return history, nil
}
