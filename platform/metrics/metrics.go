// Package metrics provides Prometheus instrumentation shared by the cache and
// the recalculation engine. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipeline_forecast"

// Metrics groups the collectors exported by the service.
type Metrics struct {
	CacheLookups      *prometheus.CounterVec
	CacheStaleServes  prometheus.Counter
	Recomputes        *prometheus.HistogramVec
	EventsProcessed   *prometheus.CounterVec
	Inconsistencies   prometheus.Counter
	ReconcileDuration prometheus.Histogram
	HTTPDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		CacheStaleServes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_serves_total",
			Help:      "Reads answered with a stale value because recomputation failed.",
		}),
		Recomputes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of cache recomputations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_events_total",
			Help:      "Stage-changed events handled by the orchestrator, by outcome.",
		}, []string{"outcome"}),
		Inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistent_aggregates_total",
			Help:      "Scopes whose incremental aggregate differed from the full rebuild.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of full reconciliation passes.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheLookups,
			m.CacheStaleServes,
			m.Recomputes,
			m.EventsProcessed,
			m.Inconsistencies,
			m.ReconcileDuration,
			m.HTTPDuration,
		)
	}
	return m
}

// CacheLookup counts a lookup against tier with result "hit", "miss" or "stale".
func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// StaleServe counts a read answered from a stale entry.
func (m *Metrics) StaleServe() {
	if m == nil {
		return
	}
	m.CacheStaleServes.Inc()
}

// ObserveRecompute records how long a recomputation took.
func (m *Metrics) ObserveRecompute(start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Recomputes.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// EventHandled counts an orchestrator event by outcome.
func (m *Metrics) EventHandled(outcome string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(outcome).Inc()
}

// Inconsistent counts a scope that needed correction by the rebuild.
func (m *Metrics) Inconsistent() {
	if m == nil {
		return
	}
	m.Inconsistencies.Inc()
}

// ObserveReconcile records the duration of a reconciliation pass.
func (m *Metrics) ObserveReconcile(start time.Time) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(time.Since(start).Seconds())
}

// ObserveHTTP records the latency of one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}
