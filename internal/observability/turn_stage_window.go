package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultStageWindow = 256

// Latency goals per stage for a local desktop companion; zero means no goal.
var stageTargetsMS = map[string]float64{
	StageRequestToStart:      150,
	StageRequestToFirstChunk: 1200,
	StageTurnTotal:           6000,
	StageBroadcastTotal:      2000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// TurnIndicator counts non-latency events such as failed turns or
// undelivered broadcasts since the last reset.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// latencyRing keeps the newest cap(samples) observations of one stage.
type latencyRing struct {
	samples []float64
	head    int
	last    float64
}

func (r *latencyRing) add(ms float64, size int) {
	r.last = ms
	if len(r.samples) < size {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.head] = ms
	r.head = (r.head + 1) % size
}

func (r *latencyRing) summary(stage string) TurnStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(interpolate(sorted, 0.50)),
		P95MS:       round2(interpolate(sorted, 0.95)),
		P99MS:       round2(interpolate(sorted, 0.99)),
		TargetP95MS: stageTargetsMS[stage],
	}
}

// turnStageWindow backs /v1/perf/latency with the newest samples per stage.
type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = defaultStageWindow
	}
	w := &turnStageWindow{size: size}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = make(map[string]*latencyRing)
	w.indicators = make(map[string]int)
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring := w.rings[stage]
	if ring == nil {
		ring = &latencyRing{samples: make([]float64, 0, w.size)}
		w.rings[stage] = ring
	}
	ring.add(ms, w.size)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// Snapshot lists stages and indicators sorted by name.
func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for stage, ring := range w.rings {
		if len(ring.samples) > 0 {
			snap.Stages = append(snap.Stages, ring.summary(stage))
		}
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

// interpolate reads quantile q from ascending values, blending neighbours.
func interpolate(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
