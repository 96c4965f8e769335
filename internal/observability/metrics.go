package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages tracked in the rolling latency window.
const (
	StageRequestToStart      = "request_to_start"
	StageRequestToFirstChunk = "request_to_first_chunk"
	StageTurnTotal           = "turn_total"
	StageBroadcastTotal      = "broadcast_total"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	Increments        *prometheus.CounterVec
	BroadcastJobs     *prometheus.CounterVec
	BroadcastAttempts *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	FirstChunkLatency prometheus.Histogram

	gatherer    prometheus.Gatherer
	stageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of tracked client sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		Increments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "increments_total",
			Help:      "Streamed increments by phase.",
		}, []string{"phase"}),
		BroadcastJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_jobs_total",
			Help:      "Broadcast jobs by consumer and outcome.",
		}, []string{"consumer", "outcome"}),
		BroadcastAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_attempts_total",
			Help:      "Broadcast delivery attempts by consumer.",
		}, []string{"consumer"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Time from request to terminal increment in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		FirstChunkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency to the first streamed chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer:    gatherer,
		stageWindow: newTurnStageWindow(defaultStageWindow),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveIncrement(phase string) {
	if m == nil {
		return
	}
	m.Increments.WithLabelValues(phase).Inc()
}

// ObserveTurn records a finished turn. Outcomes other than "completed" are
// also counted as indicators in the stage window.
func (m *Metrics) ObserveTurn(outcome string, total time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(float64(total.Milliseconds()))
	m.ObserveTurnStage(StageTurnTotal, total)
	if outcome != "completed" {
		m.stageWindow.ObserveIndicator(outcome)
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
	m.ObserveTurnStage(StageRequestToFirstChunk, d)
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageWindow.Observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stageWindow.ObserveIndicator(name)
}

func (m *Metrics) ObserveBroadcastAttempt(consumer string) {
	if m == nil {
		return
	}
	m.BroadcastAttempts.WithLabelValues(consumer).Inc()
}

func (m *Metrics) ObserveBroadcastJob(consumer, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastJobs.WithLabelValues(consumer, outcome).Inc()
	m.ObserveTurnStage(StageBroadcastTotal, elapsed)
	if outcome != "delivered" {
		m.ObserveIndicator("broadcast_" + outcome + ":" + consumer)
	}
}

// TurnStageSnapshot returns the rolling per-stage latency summary.
func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stageWindow.Reset()
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
