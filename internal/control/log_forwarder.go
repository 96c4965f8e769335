package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/companion/internal/downstream"
)

const (
	defaultForwardBuffer = 500
	forwardQueueSize     = 256
	forwardSendTimeout   = 2 * time.Second
)

// LogSink receives forwarded records.
type LogSink interface {
	SendLog(ctx context.Context, rec downstream.LogRecord) error
}

type forwardState struct {
	sink LogSink

	mu      sync.Mutex
	enabled bool
	pending []downstream.LogRecord
	limit   int

	queue chan downstream.LogRecord
}

// LogForwarder is a slog.Handler that passes every record to the wrapped
// handler and, while forwarding is enabled, mirrors it to a LogSink. Records
// produced while disabled are held (newest limit kept) and flushed on enable.
type LogForwarder struct {
	next      slog.Handler
	state     *forwardState
	component string
}

func NewLogForwarder(next slog.Handler, sink LogSink, limit int) *LogForwarder {
	if limit <= 0 {
		limit = defaultForwardBuffer
	}
	return &LogForwarder{
		next: next,
		state: &forwardState{
			sink:  sink,
			limit: limit,
			queue: make(chan downstream.LogRecord, limit+forwardQueueSize),
		},
	}
}

// Run delivers queued records until ctx is done. Delivery failures are
// dropped silently; logging them would feed back into the forwarder.
func (f *LogForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-f.state.queue:
			sendCtx, cancel := context.WithTimeout(ctx, forwardSendTimeout)
			_ = f.state.sink.SendLog(sendCtx, rec)
			cancel()
		}
	}
}

// SetEnabled toggles forwarding and reports the previous state.
func (f *LogForwarder) SetEnabled(enabled bool) (was bool) {
	s := f.state
	s.mu.Lock()
	was = s.enabled
	s.enabled = enabled
	var flush []downstream.LogRecord
	if enabled && !was {
		flush = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	for _, rec := range flush {
		s.enqueue(rec)
	}
	return was
}

func (f *LogForwarder) Forwarding() bool {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	return f.state.enabled
}

func (f *LogForwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

func (f *LogForwarder) Handle(ctx context.Context, r slog.Record) error {
	err := f.next.Handle(ctx, r)

	component := f.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component == "" {
		component = "core"
	}
	rec := downstream.LogRecord{
		Timestamp: r.Time.UTC(),
		Level:     r.Level.String(),
		Component: component,
		Message:   r.Message,
	}

	s := f.state
	s.mu.Lock()
	if !s.enabled {
		s.pending = append(s.pending, rec)
		if over := len(s.pending) - s.limit; over > 0 {
			s.pending = s.pending[over:]
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.enqueue(rec)
	return err
}

func (f *LogForwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := f.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &LogForwarder{next: f.next.WithAttrs(attrs), state: f.state, component: component}
}

func (f *LogForwarder) WithGroup(name string) slog.Handler {
	return &LogForwarder{next: f.next.WithGroup(name), state: f.state, component: f.component}
}

// enqueue never blocks the logging goroutine; a full queue drops the record.
func (s *forwardState) enqueue(rec downstream.LogRecord) {
	select {
	case s.queue <- rec:
	default:
	}
}
