package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu      sync.Mutex
	expired []Expiry
	err     error
}

func (r *recordingNotifier) NotifyExpired(_ context.Context, e Expiry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, e)
	return r.err
}

func (r *recordingNotifier) snapshot() []Expiry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Expiry(nil), r.expired...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(cfg)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	return m, &now
}

func TestTouchCreatesSessionWithDefaultUser(t *testing.T) {
	m, _ := newTestManager(t, Config{Timeout: time.Minute})
	m.Touch("s1", "")

	if !m.IsActive("s1") {
		t.Fatalf("IsActive(s1) = false, want true")
	}
	got, err := m.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != DefaultUserID {
		t.Fatalf("UserID = %q, want %q", got.UserID, DefaultUserID)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSweepKeepsRecentlyTouchedSession(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Minute})
	m.Touch("s1", "u1")

	*now = now.Add(30 * time.Second)
	if got := m.Sweep(context.Background(), *now); len(got) != 0 {
		t.Fatalf("Sweep() evicted %d sessions, want 0", len(got))
	}
	if !m.IsActive("s1") {
		t.Fatalf("session evicted before timeout")
	}
}

func TestSweepEvictsIdleSessionExactlyOnce(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Minute})
	rec := &recordingNotifier{}
	m.OnExpire(rec)
	m.Touch("s1", "u1")
	m.Touch("s2", "u2")

	*now = now.Add(2 * time.Minute)
	m.Touch("s2", "u2")

	got := m.Sweep(context.Background(), *now)
	if len(got) != 1 || got[0].SessionID != "s1" || got[0].UserID != "u1" {
		t.Fatalf("Sweep() = %+v, want only s1/u1", got)
	}
	if again := m.Sweep(context.Background(), *now); len(again) != 0 {
		t.Fatalf("second Sweep() = %+v, want none", again)
	}

	notes := rec.snapshot()
	if len(notes) != 1 || notes[0].SessionID != "s1" || notes[0].Reason != ReasonIdle {
		t.Fatalf("notifications = %+v, want single idle expiry for s1", notes)
	}
	if m.IsActive("s1") {
		t.Fatalf("s1 still active after sweep")
	}
}

type notifierFunc func(ctx context.Context, e Expiry) error

func (f notifierFunc) NotifyExpired(ctx context.Context, e Expiry) error { return f(ctx, e) }

func TestSweepNotifiesBeforeDeleting(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Minute})
	var trackedDuringNotice bool
	m.OnExpire(notifierFunc(func(_ context.Context, e Expiry) error {
		trackedDuringNotice = m.IsActive(e.SessionID)
		return nil
	}))
	m.Touch("s1", "u1")

	*now = now.Add(2 * time.Minute)
	got := m.Sweep(context.Background(), *now)
	if len(got) != 1 {
		t.Fatalf("Sweep() = %+v, want one expiry", got)
	}
	if !trackedDuringNotice {
		t.Fatalf("session was deleted before its expiry notification")
	}
	if m.IsActive("s1") {
		t.Fatalf("s1 still active after sweep")
	}
}

func TestSweepKeepsSessionTouchedDuringNotice(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Minute})
	m.OnExpire(notifierFunc(func(_ context.Context, e Expiry) error {
		m.Touch(e.SessionID, e.UserID)
		return nil
	}))
	m.Touch("s1", "u1")

	*now = now.Add(2 * time.Minute)
	if got := m.Sweep(context.Background(), *now); len(got) != 0 {
		t.Fatalf("Sweep() = %+v, want revived session kept", got)
	}
	if !m.IsActive("s1") {
		t.Fatalf("session touched during notification was evicted")
	}
}

func TestSweepEvictsEvenWhenNotifierFails(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Second})
	m.OnExpire(&recordingNotifier{err: errors.New("memory service down")})
	m.Touch("s1", "u1")

	*now = now.Add(time.Minute)
	m.Sweep(context.Background(), *now)
	if m.IsActive("s1") {
		t.Fatalf("eviction should not depend on notifier success")
	}
}

func TestSweepSkipsSessionWithTurnInFlight(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Second})
	if err := m.BeginTurn("s1", "u1", "t1"); err != nil {
		t.Fatalf("BeginTurn() error = %v", err)
	}
	*now = now.Add(time.Minute)
	if got := m.Sweep(context.Background(), *now); len(got) != 0 {
		t.Fatalf("Sweep() = %+v, want none while turn in flight", got)
	}
}

func TestBeginTurnRejectsConcurrentTurn(t *testing.T) {
	m, _ := newTestManager(t, Config{Timeout: time.Minute})
	if err := m.BeginTurn("s1", "u1", "t1"); err != nil {
		t.Fatalf("BeginTurn(t1) error = %v", err)
	}
	if err := m.BeginTurn("s1", "u1", "t2"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("BeginTurn(t2) error = %v, want ErrTurnInFlight", err)
	}

	m.EndTurn("s1", "t2")
	got, _ := m.Get("s1")
	if got.ActiveTurnID != "t1" {
		t.Fatalf("EndTurn with foreign turn cleared marker: %+v", got)
	}

	m.EndTurn("s1", "t1")
	if err := m.BeginTurn("s1", "u1", "t3"); err != nil {
		t.Fatalf("BeginTurn(t3) after EndTurn error = %v", err)
	}
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	m, now := newTestManager(t, Config{Timeout: time.Hour, MaxSessions: 2})
	rec := &recordingNotifier{}
	m.OnExpire(rec)

	m.Touch("old", "u1")
	*now = now.Add(time.Second)
	m.Touch("mid", "u2")
	*now = now.Add(time.Second)
	m.Touch("new", "u3")

	if m.IsActive("old") {
		t.Fatalf("least recently active session should be evicted")
	}
	if !m.IsActive("mid") || !m.IsActive("new") {
		t.Fatalf("unexpected eviction of recent sessions")
	}
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", m.ActiveCount())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if notes := rec.snapshot(); len(notes) == 1 {
			if notes[0].SessionID != "old" || notes[0].Reason != ReasonCapacity {
				t.Fatalf("notification = %+v, want capacity expiry for old", notes[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("capacity eviction was not notified")
}

func TestJanitorExpiresInactive(t *testing.T) {
	m := NewManager(Config{Timeout: 30 * time.Millisecond})
	m.Touch("s1", "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if m.IsActive("s1") {
		t.Fatalf("janitor did not expire idle session")
	}
}

func TestConcurrentTouchAndSweep(t *testing.T) {
	m := NewManager(Config{Timeout: time.Hour})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Touch("shared", "u")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			m.Sweep(context.Background(), time.Now().UTC())
		}
	}()
	wg.Wait()
	if !m.IsActive("shared") {
		t.Fatalf("actively touched session was evicted")
	}
}

func TestStatusReportsTurnInFlight(t *testing.T) {
	m, _ := newTestManager(t, Config{Timeout: 90 * time.Second})
	if err := m.BeginTurn("s1", "u1", "t1"); err != nil {
		t.Fatalf("BeginTurn() error = %v", err)
	}

	st, err := m.Status("s1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.TurnInFlight || st.UserID != "u1" || st.InactivityTTLMS != 90000 {
		t.Fatalf("unexpected status: %+v", st)
	}

	m.EndTurn("s1", "t1")
	if st, _ = m.Status("s1"); st.TurnInFlight {
		t.Fatalf("TurnInFlight = true after EndTurn")
	}
	if _, err := m.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status(missing) error = %v, want ErrNotFound", err)
	}
}
