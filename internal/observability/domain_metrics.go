package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckgate_queries_total",
			Help: "Total number of query attempts by disposition.",
		},
		[]string{"disposition"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckgate_query_duration_seconds",
			Help:    "End-to-end query latency including cache hits.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	validationRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckgate_validation_rejections_total",
			Help: "Total number of SQL statements rejected by the validator.",
		},
	)
	rateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckgate_rate_limit_rejections_total",
			Help: "Total number of calls rejected by the rate limiter.",
		},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckgate_cache_hits_total",
			Help: "Total number of query results served from cache.",
		},
	)
	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckgate_cache_misses_total",
			Help: "Total number of cache misses.",
		},
	)
	poolActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckgate_pool_active_connections",
			Help: "Connections currently checked out of the pool.",
		},
	)
	poolIdleConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckgate_pool_idle_connections",
			Help: "Connections currently idle in the pool.",
		},
	)
	poolWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckgate_pool_wait_seconds",
			Help:    "Time spent waiting to acquire a pooled connection.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	sweepRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckgate_sweep_removals_total",
			Help: "Entries removed by maintenance sweeps.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationSeconds,
		validationRejectionsTotal,
		rateLimitRejectionsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		poolActiveConnections,
		poolIdleConnections,
		poolWaitSeconds,
		sweepRemovalsTotal,
	)
}

func ObserveQuery(disposition string, duration time.Duration) {
	queriesTotal.WithLabelValues(disposition).Inc()
	queryDurationSeconds.Observe(duration.Seconds())
}

func IncrementValidationRejection() {
	validationRejectionsTotal.Inc()
}

func IncrementRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}

func IncrementCacheHit() {
	cacheHitsTotal.Inc()
}

func IncrementCacheMiss() {
	cacheMissesTotal.Inc()
}

func SetPoolGauges(active, idle int) {
	poolActiveConnections.Set(float64(active))
	poolIdleConnections.Set(float64(idle))
}

func ObservePoolWait(duration time.Duration) {
	poolWaitSeconds.Observe(duration.Seconds())
}

func AddSweepRemovals(kind string, count int) {
	sweepRemovalsTotal.WithLabelValues(kind).Add(float64(count))
}
