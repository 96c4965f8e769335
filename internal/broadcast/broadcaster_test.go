package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConsumer struct {
	name  string
	calls atomic.Int32
	mu    sync.Mutex
	times []time.Time
	fn    func(call int32) error
}

func (s *stubConsumer) Name() string { return s.name }

func (s *stubConsumer) Deliver(ctx context.Context, p Payload) error {
	n := s.calls.Add(1)
	s.mu.Lock()
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	if s.fn == nil {
		return nil
	}
	return s.fn(n)
}

type countingRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	outcomes map[string]string
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{attempts: map[string]int{}, outcomes: map[string]string{}}
}

func (r *countingRecorder) ObserveBroadcastAttempt(consumer string) {
	r.mu.Lock()
	r.attempts[consumer]++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveBroadcastJob(consumer, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[consumer] = outcome
	r.mu.Unlock()
}

var errRefused = fmt.Errorf("dial: %w", syscall.ECONNREFUSED)

func byName(report Report) map[string]JobResult {
	out := make(map[string]JobResult, len(report.Jobs))
	for _, j := range report.Jobs {
		out[j.Consumer] = j
	}
	return out
}

func TestDispatchDeliversToEveryConsumer(t *testing.T) {
	ui := &stubConsumer{name: "ui"}
	speech := &stubConsumer{name: "speech"}
	b := New([]Consumer{ui, speech}, Options{})

	report := <-b.Dispatch(Payload{TurnID: "t1", Text: "hello"})
	require.Len(t, report.Jobs, 2)
	for _, j := range report.Jobs {
		require.Equal(t, OutcomeDelivered, j.Outcome, j.Consumer)
		require.Equal(t, 1, j.Attempts)
	}
}

func TestRetriesConnectionErrorsWithDoublingBackoff(t *testing.T) {
	base := 20 * time.Millisecond
	flaky := &stubConsumer{name: "ui", fn: func(int32) error { return errRefused }}
	rec := newCountingRecorder()
	b := New([]Consumer{flaky}, Options{MaxRetries: 3, BaseBackoff: base, Recorder: rec})

	report := <-b.Dispatch(Payload{TurnID: "t1"})
	job := byName(report)["ui"]
	require.Equal(t, OutcomeUnreachable, job.Outcome)
	require.Equal(t, 4, job.Attempts)
	require.ErrorIs(t, job.Err, syscall.ECONNREFUSED)

	flaky.mu.Lock()
	times := append([]time.Time(nil), flaky.times...)
	flaky.mu.Unlock()
	require.Len(t, times, 4)
	for i, want := range []time.Duration{base, 2 * base, 4 * base} {
		gap := times[i+1].Sub(times[i])
		require.GreaterOrEqual(t, gap, want, "gap %d", i)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 4, rec.attempts["ui"])
	require.Equal(t, string(OutcomeUnreachable), rec.outcomes["ui"])
}

func TestApplicationErrorIsNotRetried(t *testing.T) {
	rejecting := &stubConsumer{name: "speech", fn: func(int32) error { return errors.New("http status 400") }}
	b := New([]Consumer{rejecting}, Options{BaseBackoff: time.Millisecond})

	report := <-b.Dispatch(Payload{TurnID: "t1"})
	job := byName(report)["speech"]
	require.Equal(t, OutcomeRejected, job.Outcome)
	require.Equal(t, 1, job.Attempts)
}

func TestRecoversAfterTransientFailure(t *testing.T) {
	c := &stubConsumer{name: "ui", fn: func(call int32) error {
		if call == 1 {
			return errRefused
		}
		return nil
	}}
	b := New([]Consumer{c}, Options{BaseBackoff: time.Millisecond})

	report := <-b.Dispatch(Payload{TurnID: "t1"})
	job := byName(report)["ui"]
	require.Equal(t, OutcomeDelivered, job.Outcome)
	require.Equal(t, 2, job.Attempts)
	require.NoError(t, job.Err)
}

func TestZeroOptionsUseDefaultRetries(t *testing.T) {
	c := &stubConsumer{name: "ui", fn: func(int32) error { return errRefused }}
	b := New([]Consumer{c}, Options{BaseBackoff: time.Millisecond})

	job := byName(<-b.Dispatch(Payload{TurnID: "t1"}))["ui"]
	require.Equal(t, OutcomeUnreachable, job.Outcome)
	require.Equal(t, 1+DefaultMaxRetries, job.Attempts)

	none := New([]Consumer{c}, Options{MaxRetries: NoRetries, BaseBackoff: time.Millisecond})
	job = byName(<-none.Dispatch(Payload{TurnID: "t2"}))["ui"]
	require.Equal(t, 1, job.Attempts)
}

func TestFailingConsumerDoesNotDelayOthers(t *testing.T) {
	healthy := &stubConsumer{name: "speech"}
	block := make(chan struct{})
	stuck := &stubConsumer{name: "ui", fn: func(int32) error {
		<-block
		return errRefused
	}}
	b := New([]Consumer{stuck, healthy}, Options{MaxRetries: NoRetries})

	start := time.Now()
	done := b.Dispatch(Payload{TurnID: "t1"})
	require.Less(t, time.Since(start), 50*time.Millisecond, "Dispatch must not block")

	require.Eventually(t, func() bool { return healthy.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatalf("report must wait for the stuck job")
	default:
	}

	close(block)
	report := <-done
	require.Equal(t, OutcomeDelivered, byName(report)["speech"].Outcome)
	require.Equal(t, OutcomeUnreachable, byName(report)["ui"].Outcome)
}

func TestAttemptTimeoutBoundsSlowConsumer(t *testing.T) {
	b := New([]Consumer{consumerFunc{name: "ui", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, Options{MaxRetries: 1, BaseBackoff: time.Millisecond, AttemptTimeout: 20 * time.Millisecond})

	report := <-b.Dispatch(Payload{TurnID: "t1"})
	job := byName(report)["ui"]
	require.Equal(t, OutcomeUnreachable, job.Outcome)
	require.Equal(t, 2, job.Attempts)
	require.ErrorIs(t, job.Err, context.DeadlineExceeded)
}

func TestShutdownCancelsPendingBackoff(t *testing.T) {
	c := &stubConsumer{name: "ui", fn: func(int32) error { return errRefused }}
	b := New([]Consumer{c}, Options{MaxRetries: 3, BaseBackoff: time.Hour})

	done := b.Dispatch(Payload{TurnID: "t1"})
	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Shutdown(ctx), context.DeadlineExceeded)

	report := <-done
	require.Equal(t, OutcomeCanceled, byName(report)["ui"].Outcome)
}

func TestDispatchWithoutConsumers(t *testing.T) {
	b := New(nil, Options{})
	report := <-b.Dispatch(Payload{TurnID: "t1"})
	require.Equal(t, "t1", report.TurnID)
	require.Empty(t, report.Jobs)
	b.Wait()
}

type consumerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c consumerFunc) Name() string { return c.name }

func (c consumerFunc) Deliver(ctx context.Context, _ Payload) error { return c.fn(ctx) }
