package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for one engine instance,
// namespaced "revgraph". All metrics are per-process; cluster-wide
// throttling state lives in the store's sweep_runs table, not here.
//
// Metrics exposed:
//
//  1. computations_claimed_total (counter): nodes transitioned not_set ->
//     computing by the claim pass. Labels: graph, node, computation_type.
//  2. computation_duration_ms (histogram): wall time from worker launch to
//     the compute function's return. Labels: graph, node, status (success,
//     failed).
//  3. retries_total (counter): retry-policy-triggered re-enqueues.
//     Labels: graph, node.
//  4. abandonments_total (counter): computations marked abandoned, counted
//     through ObserveAbandonment. Labels: graph, node. Neither the engine
//     nor the sweep package calls ObserveAbandonment, so the counter stays
//     at zero unless the embedding program records abandonments itself.
//  5. invalidations_total (counter): compute values cleared by the
//     invalidator. Labels: graph, node.
//  6. recomputes_enqueued_total (counter): stale-node re-enqueues from the
//     recompute engine. Labels: graph, node.
//  7. sweep_runs_total (counter): completed sweep passes. Labels:
//     sweep_type, outcome (ok, error, skipped_throttled).
//  8. getvalue_wait_duration_ms (histogram): time spent polling inside
//     GetValue. Labels: wait_mode (none, any, newer).
type Metrics struct {
	claimed      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	abandonments *prometheus.CounterVec
	invalidated  *prometheus.CounterVec
	recomputed   *prometheus.CounterVec
	sweepRuns    *prometheus.CounterVec
	getValueWait *prometheus.HistogramVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers every revgraph metric with registry and returns the
// collector. Pass prometheus.DefaultRegisterer for the global registry, or
// a fresh prometheus.NewRegistry() for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		enabled: true,
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "computations_claimed_total",
			Help:      "Computations transitioned from not_set to computing by a claim pass",
		}, []string{"graph", "node", "computation_type"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "revgraph",
			Name:      "computation_duration_ms",
			Help:      "Wall-clock time from claim to a terminal computation state",
			Buckets:   []float64{5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		}, []string{"graph", "node", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "retries_total",
			Help:      "Retry-policy-triggered re-enqueues after a failed computation",
		}, []string{"graph", "node"}),
		abandonments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "abandonments_total",
			Help:      "Computations marked abandoned by the abandoned-worker sweeper",
		}, []string{"graph", "node"}),
		invalidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "invalidations_total",
			Help:      "Compute-typed values cleared because their gate no longer holds",
		}, []string{"graph", "node"}),
		recomputed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "recomputes_enqueued_total",
			Help:      "Stale computations re-enqueued by the recompute engine",
		}, []string{"graph", "node"}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revgraph",
			Name:      "sweep_runs_total",
			Help:      "Completed sweeper passes by outcome",
		}, []string{"sweep_type", "outcome"}),
		getValueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "revgraph",
			Name:      "getvalue_wait_duration_ms",
			Help:      "Time spent polling inside a blocking GetValue call",
			Buckets:   []float64{1, 10, 50, 250, 1000, 5000, 30000},
		}, []string{"wait_mode"}),
	}
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Metrics) ObserveClaim(graph, node, computationType string) {
	if !m.on() {
		return
	}
	m.claimed.WithLabelValues(graph, node, computationType).Inc()
}

func (m *Metrics) ObserveDuration(graph, node, status string, ms float64) {
	if !m.on() {
		return
	}
	m.duration.WithLabelValues(graph, node, status).Observe(ms)
}

func (m *Metrics) ObserveRetry(graph, node string) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(graph, node).Inc()
}

func (m *Metrics) ObserveAbandonment(graph, node string) {
	if !m.on() {
		return
	}
	m.abandonments.WithLabelValues(graph, node).Inc()
}

func (m *Metrics) ObserveInvalidation(graph, node string) {
	if !m.on() {
		return
	}
	m.invalidated.WithLabelValues(graph, node).Inc()
}

func (m *Metrics) ObserveRecompute(graph, node string) {
	if !m.on() {
		return
	}
	m.recomputed.WithLabelValues(graph, node).Inc()
}

func (m *Metrics) ObserveSweepRun(sweepType, outcome string) {
	if !m.on() {
		return
	}
	m.sweepRuns.WithLabelValues(sweepType, outcome).Inc()
}

func (m *Metrics) ObserveGetValueWait(waitMode string, ms float64) {
	if !m.on() {
		return
	}
	m.getValueWait.WithLabelValues(waitMode).Observe(ms)
}

// Disable stops recording without unregistering collectors, useful in tests
// that want deterministic Prometheus output regardless of engine activity.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}
