package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrMixedContexts = errors.New("records belong to different contexts")

// InMemoryStore keeps history in process. Each context has its own lock so
// appends to different conversations never contend.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*contextLog
}

type contextLog struct {
	mu      sync.RWMutex
	records []TurnRecord
	seen    map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{contexts: make(map[string]*contextLog)}
}

// Append requires every record to belong to the same context.
func (s *InMemoryStore) Append(_ context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	contextID := records[0].ContextID
	now := time.Now().UTC()
	batch := make([]TurnRecord, 0, len(records))
	for _, record := range records {
		if record.ContextID != contextID {
			return fmt.Errorf("%w: batch spans contexts %q and %q", ErrMixedContexts, contextID, record.ContextID)
		}
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		batch = append(batch, record)
	}

	log := s.logFor(contextID, true)
	log.mu.Lock()
	defer log.mu.Unlock()
	for _, record := range batch {
		if _, dup := log.seen[record.ID]; dup {
			continue
		}
		log.seen[record.ID] = struct{}{}
		log.records = append(log.records, record)
	}
	return nil
}

func (s *InMemoryStore) History(_ context.Context, contextID string) ([]TurnRecord, error) {
	log := s.logFor(contextID, false)
	if log == nil {
		return nil, nil
	}
	log.mu.RLock()
	defer log.mu.RUnlock()
	out := make([]TurnRecord, len(log.records))
	copy(out, log.records)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) logFor(contextID string, create bool) *contextLog {
	s.mu.RLock()
	log, ok := s.contexts[contextID]
	s.mu.RUnlock()
	if ok || !create {
		return log
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok = s.contexts[contextID]; ok {
		return log
	}
	log = &contextLog{seen: make(map[string]struct{})}
	s.contexts[contextID] = log
	return log
}
