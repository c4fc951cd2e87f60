// Package obsmetrics is the Prometheus metrics registry for the feed value
// provider, adapted from interfaces_src/http/metrics.go's MetricsRegistry
// pattern: one struct of pre-declared collectors registered once at
// construction, with small typed recorder methods instead of callers
// touching prometheus.* directly.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Registry holds every Prometheus collector the feed value provider
// exposes.
type Registry struct {
	AggregateDuration *prometheus.HistogramVec
	AggregateErrors   *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   *prometheus.GaugeVec

	SourceUpdates  *prometheus.CounterVec
	SourceRejects  *prometheus.CounterVec
	SourceLatency  *prometheus.HistogramVec
	CircuitState   *prometheus.GaugeVec

	WarmerAttempts *prometheus.CounterVec
	WarmerFailures *prometheus.CounterVec

	ResponseTime *prometheus.HistogramVec
}

// NewRegistry builds and registers every collector with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		AggregateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftsofeed_aggregate_duration_seconds",
			Help:    "Duration of one consensus aggregation call.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"feed"}),

		AggregateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_aggregate_errors_total",
			Help: "Total aggregation errors by kind.",
		}, []string{"feed", "kind"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_cache_hits_total",
			Help: "Total cache hits by tier.",
		}, []string{"tier"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_cache_misses_total",
			Help: "Total cache misses by tier.",
		}, []string{"tier"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ftsofeed_cache_entries",
			Help: "Current entry count by tier.",
		}, []string{"tier"}),

		SourceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_source_updates_total",
			Help: "Total accepted price updates by source.",
		}, []string{"source"}),

		SourceRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_source_rejects_total",
			Help: "Total rejected price updates by source and reason.",
		}, []string{"source", "reason"}),

		SourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftsofeed_source_update_age_ms",
			Help:    "Age of accepted updates at ingest time, in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"source"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ftsofeed_circuit_state",
			Help: "Circuit breaker state by source (0=closed, 1=open, 2=half-open).",
		}, []string{"source"}),

		WarmerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_warmer_attempts_total",
			Help: "Total cache warm attempts by strategy.",
		}, []string{"strategy"}),

		WarmerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftsofeed_warmer_failures_total",
			Help: "Total cache warm failures by strategy.",
		}, []string{"strategy"}),

		ResponseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftsofeed_response_time_seconds",
			Help:    "Integration service GetValue response time.",
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"feed"}),
	}

	reg.MustRegister(
		r.AggregateDuration, r.AggregateErrors,
		r.CacheHits, r.CacheMisses, r.CacheSize,
		r.SourceUpdates, r.SourceRejects, r.SourceLatency, r.CircuitState,
		r.WarmerAttempts, r.WarmerFailures,
		r.ResponseTime,
	)
	return r
}

// ObserveResponseTime implements integration.ResponseRecorder.
func (r *Registry) ObserveResponseTime(feedName string, d time.Duration) {
	r.ResponseTime.WithLabelValues(feedName).Observe(d.Seconds())
}

// RecordSourceUpdate records one accepted update and its ingest age.
func (r *Registry) RecordSourceUpdate(source string, age time.Duration) {
	r.SourceUpdates.WithLabelValues(source).Inc()
	r.SourceLatency.WithLabelValues(source).Observe(float64(age.Milliseconds()))
}

// RecordSourceReject records one rejected update.
func (r *Registry) RecordSourceReject(source, reason string) {
	r.SourceRejects.WithLabelValues(source, reason).Inc()
}

// RecordCircuitState updates the circuit gauge; states follow
// circuit.State's own ordering (closed=0, open=1, half-open=2).
func (r *Registry) RecordCircuitState(source string, state int) {
	r.CircuitState.WithLabelValues(source).Set(float64(state))
	log.Debug().Str("source", source).Int("state", state).Msg("obsmetrics: circuit state updated")
}

// RecordWarmAttempt records one cache-warm attempt and, if failed, one
// failure, for the given strategy ("aggressive", "predictive", "maintenance").
func (r *Registry) RecordWarmAttempt(strategy string, success bool) {
	r.WarmerAttempts.WithLabelValues(strategy).Inc()
	if !success {
		r.WarmerFailures.WithLabelValues(strategy).Inc()
	}
}

// SyncCacheSize mirrors a cache tier's current entry count into the size
// gauge; called periodically since it's a point-in-time snapshot, not an
// incremental counter.
func (r *Registry) SyncCacheSize(tier string, size int) {
	r.CacheSize.WithLabelValues(tier).Set(float64(size))
}

// RecordCacheAccess records one cache hit or miss for tier.
func (r *Registry) RecordCacheAccess(tier string, hit bool) {
	if hit {
		r.CacheHits.WithLabelValues(tier).Inc()
		return
	}
	r.CacheMisses.WithLabelValues(tier).Inc()
}
