package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultUserID = "default_user"

var (
	ErrNotFound     = errors.New("session not found")
	ErrTurnInFlight = errors.New("session already has a turn in flight")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ActiveTurnID   string    `json:"active_turn_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// version increments on every activity update so a sweep can detect
	// entries touched after it took its snapshot.
	version uint64
}

// Config controls session liveness tracking.
type Config struct {
	Timeout       time.Duration
	MaxSessions   int
	DefaultUserID string
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	timeout       time.Duration
	maxSessions   int
	defaultUserID string
	notifyTimeout time.Duration
	notifiers     []ExpiryNotifier

	sweepMu sync.Mutex
	logger  *slog.Logger
	clock   func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
	}
	if strings.TrimSpace(cfg.DefaultUserID) == "" {
		cfg.DefaultUserID = DefaultUserID
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		timeout:       cfg.Timeout,
		maxSessions:   cfg.MaxSessions,
		defaultUserID: cfg.DefaultUserID,
		notifyTimeout: cfg.NotifyTimeout,
		logger:        logger.With(slog.String("component", "session")),
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// OnExpire registers a notifier invoked once per evicted session.
func (m *Manager) OnExpire(n ExpiryNotifier) {
	if n == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Touch records activity for a session, creating it when unseen.
func (m *Manager) Touch(sessionID, userID string) {
	m.mu.Lock()
	_, evicted := m.touchLocked(sessionID, userID)
	m.mu.Unlock()
	m.notifyAsync(evicted)
}

// BeginTurn atomically accepts a request for the session and marks a turn in
// flight. Rejected requests do not refresh activity.
func (m *Manager) BeginTurn(sessionID, userID, turnID string) error {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.ActiveTurnID != "" {
		m.mu.Unlock()
		return ErrTurnInFlight
	}
	s, evicted := m.touchLocked(sessionID, userID)
	s.ActiveTurnID = turnID
	m.mu.Unlock()
	m.notifyAsync(evicted)
	return nil
}

// EndTurn clears the in-flight marker when it still belongs to turnID.
func (m *Manager) EndTurn(sessionID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.ActiveTurnID != turnID {
		return
	}
	s.ActiveTurnID = ""
	s.LastActivityAt = m.clock()
	s.version++
}

func (m *Manager) IsActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Status returns the public snapshot of a tracked session.
func (m *Manager) Status(sessionID string) (StatusResponse, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{
		SessionID:       s.ID,
		UserID:          s.UserID,
		TurnInFlight:    s.ActiveTurnID != "",
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: m.timeout.Milliseconds(),
	}, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx, m.clock())
			}
		}
	}()
}

// Sweep evicts every session idle longer than the timeout as of now and
// returns what it evicted. Expiry notifications go out while the sessions are
// still tracked; a session touched during its notification is kept. Only one
// sweep runs at a time.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []Expiry {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var (
		expiring []Expiry
		versions []uint64
	)
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.ActiveTurnID != "" {
			continue
		}
		if now.Sub(s.LastActivityAt) <= m.timeout {
			continue
		}
		expiring = append(expiring, newExpiry(s, ReasonIdle))
		versions = append(versions, s.version)
	}
	m.mu.RUnlock()

	if len(expiring) == 0 {
		return nil
	}
	m.notify(ctx, expiring)

	expired := make([]Expiry, 0, len(expiring))
	m.mu.Lock()
	for i, e := range expiring {
		s, ok := m.sessions[e.SessionID]
		if !ok {
			continue
		}
		if s.version != versions[i] || s.ActiveTurnID != "" {
			m.logger.Info("session revived during expiry", slog.String("session_id", e.SessionID))
			continue
		}
		delete(m.sessions, e.SessionID)
		expired = append(expired, e)
	}
	m.mu.Unlock()
	return expired
}

func (m *Manager) touchLocked(sessionID, userID string) (*Session, []Expiry) {
	now := m.clock()
	userID = strings.TrimSpace(userID)

	if s, ok := m.sessions[sessionID]; ok {
		if userID != "" {
			s.UserID = userID
		}
		s.LastActivityAt = now
		s.version++
		return s, nil
	}

	var evicted []Expiry
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		evicted = m.evictOldestLocked(len(m.sessions) - m.maxSessions + 1)
	}

	if userID == "" {
		userID = m.defaultUserID
	}
	s := &Session{
		ID:             sessionID,
		UserID:         userID,
		StartedAt:      now,
		LastActivityAt: now,
		version:        1,
	}
	m.sessions[sessionID] = s
	return s, evicted
}

// evictOldestLocked removes up to n least-recently-active idle sessions.
func (m *Manager) evictOldestLocked(n int) []Expiry {
	idle := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.ActiveTurnID == "" {
			idle = append(idle, s)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivityAt.Before(idle[j].LastActivityAt)
	})
	if n > len(idle) {
		n = len(idle)
	}
	out := make([]Expiry, 0, n)
	for _, s := range idle[:n] {
		out = append(out, newExpiry(s, ReasonCapacity))
		delete(m.sessions, s.ID)
		m.logger.Warn("session evicted at capacity",
			slog.String("session_id", s.ID),
			slog.Int("max_sessions", m.maxSessions),
		)
	}
	return out
}

func (m *Manager) notifyAsync(expired []Expiry) {
	if len(expired) == 0 {
		return
	}
	go m.notify(context.Background(), expired)
}

func (m *Manager) notify(ctx context.Context, expired []Expiry) {
	if len(expired) == 0 {
		return
	}
	m.mu.RLock()
	notifiers := append([]ExpiryNotifier(nil), m.notifiers...)
	m.mu.RUnlock()

	for _, e := range expired {
		m.logger.Info("session expired",
			slog.String("session_id", e.SessionID),
			slog.String("user_id", e.UserID),
			slog.String("reason", string(e.Reason)),
		)
		for _, n := range notifiers {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)
			if err := n.NotifyExpired(nctx, e); err != nil {
				m.logger.Warn("expiry notification failed",
					slog.String("session_id", e.SessionID),
					slog.Any("error", err),
				)
			}
			cancel()
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
