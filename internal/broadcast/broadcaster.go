package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/reliability"
)

// NoRetries disables redelivery; a zero MaxRetries selects DefaultMaxRetries.
const NoRetries = -1

const (
	DefaultMaxRetries     = 3
	DefaultBaseBackoff    = time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// Outcome is the terminal state of one broadcast job.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	// OutcomeRejected is a non-retryable application failure.
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeCanceled    Outcome = "canceled"
)

// Payload is the completed turn handed to every consumer.
type Payload struct {
	TurnID    string
	SessionID string
	UserID    string
	ContextID string
	Text      string
	VoiceText string
	Metadata  protocol.Metadata
}

// Consumer is one downstream service that receives completed turns.
type Consumer interface {
	Name() string
	Deliver(ctx context.Context, p Payload) error
}

// Recorder receives broadcast bookkeeping. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveBroadcastAttempt(consumer string)
	ObserveBroadcastJob(consumer string, outcome string, elapsed time.Duration)
}

// JobResult reports how one consumer's job ended.
type JobResult struct {
	Consumer string
	Outcome  Outcome
	Attempts int
	Err      error
	Elapsed  time.Duration
}

// Report collects every job result for one turn.
type Report struct {
	TurnID string
	Jobs   []JobResult
}

type Options struct {
	// MaxRetries is the number of redeliveries after the first attempt.
	// Zero means DefaultMaxRetries; any negative value means none.
	MaxRetries     int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	// Retryable decides whether a failed attempt is retried. Defaults to
	// reliability.IsConnectionError.
	Retryable func(error) bool
	Recorder  Recorder
	Logger    *slog.Logger
}

// Broadcaster fans completed turns out to consumers, one independent job per
// consumer. Dispatch never blocks the caller.
type Broadcaster struct {
	consumers []Consumer
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(consumers []Consumer, opts Options) *Broadcaster {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Retryable == nil {
		opts.Retryable = reliability.IsConnectionError
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		consumers: append([]Consumer(nil), consumers...),
		opts:      opts,
		logger:    logger.With("component", "broadcast"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Consumers returns the registered consumer names.
func (b *Broadcaster) Consumers() []string {
	names := make([]string, 0, len(b.consumers))
	for _, c := range b.consumers {
		names = append(names, c.Name())
	}
	return names
}

// Dispatch starts one job per consumer and returns immediately. The returned
// channel yields a single Report once every job has ended.
func (b *Broadcaster) Dispatch(p Payload) <-chan Report {
	done := make(chan Report, 1)
	if len(b.consumers) == 0 {
		done <- Report{TurnID: p.TurnID}
		close(done)
		return done
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)

		results := make([]JobResult, len(b.consumers))
		var g errgroup.Group
		for i, c := range b.consumers {
			g.Go(func() error {
				results[i] = b.runJob(c, p)
				return nil
			})
		}
		_ = g.Wait()

		delivered := 0
		for _, r := range results {
			if r.Outcome == OutcomeDelivered {
				delivered++
			}
		}
		b.logger.Debug("broadcast finished",
			"turn_id", p.TurnID,
			"session_id", p.SessionID,
			"consumers", len(results),
			"delivered", delivered,
		)
		done <- Report{TurnID: p.TurnID, Jobs: results}
	}()
	return done
}

func (b *Broadcaster) runJob(c Consumer, p Payload) JobResult {
	name := c.Name()
	start := time.Now()
	res := JobResult{Consumer: name}
	ctx, span := observability.StartSpan(b.ctx, "broadcast.job",
		attribute.String("consumer", name),
		attribute.String("turn_id", p.TurnID),
		attribute.String("session_id", p.SessionID),
	)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, b.opts.BaseBackoff, 0)
			if !b.sleep(delay) {
				res.Outcome = OutcomeCanceled
				res.Err = b.ctx.Err()
				break
			}
		}

		res.Attempts++
		if b.opts.Recorder != nil {
			b.opts.Recorder.ObserveBroadcastAttempt(name)
		}
		err := b.deliver(ctx, c, p)
		if err == nil {
			res.Outcome = OutcomeDelivered
			res.Err = nil
			break
		}
		res.Err = err

		if b.ctx.Err() != nil {
			res.Outcome = OutcomeCanceled
			break
		}
		if !b.opts.Retryable(err) {
			res.Outcome = OutcomeRejected
			b.logger.Warn("broadcast rejected", "consumer", name, "turn_id", p.TurnID, "error", err)
			break
		}
		if attempt >= b.opts.MaxRetries {
			res.Outcome = OutcomeUnreachable
			b.logger.Error("consumer unreachable",
				"consumer", name,
				"turn_id", p.TurnID,
				"attempts", res.Attempts,
				"error", err,
			)
			break
		}
		b.logger.Debug("broadcast attempt failed", "consumer", name, "attempt", res.Attempts, "error", err)
	}

	res.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("attempts", res.Attempts),
	)
	span.End(res.Err)
	if b.opts.Recorder != nil {
		b.opts.Recorder.ObserveBroadcastJob(name, string(res.Outcome), res.Elapsed)
	}
	return res
}

func (b *Broadcaster) deliver(ctx context.Context, c Consumer, p Payload) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("consumer panicked")
			b.logger.Error("consumer panic", "consumer", c.Name(), "panic", r)
		}
	}()
	return c.Deliver(ctx, p)
}

func (b *Broadcaster) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Wait blocks until every dispatched job has ended.
func (b *Broadcaster) Wait() { b.wg.Wait() }

// Shutdown waits for in-flight jobs until ctx is done, then cancels them.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-finished
		return ctx.Err()
	}
}
