package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "polygon"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Latency of upstream calls in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "op"},
	)

	discoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_discovery_total",
			Help:      "Schema discovery runs by outcome.",
		},
		[]string{"outcome"},
	)

	tableQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_queries_total",
			Help:      "Per-table intersection queries by outcome (matched, empty, error, rejected).",
		},
		[]string{"outcome"},
	)

	matchedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_rows_total",
			Help:      "Rows returned across all tables.",
		},
	)

	dbAcquireFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_acquire_failures_total",
			Help:      "Failed connection acquisitions; the request degraded to an empty result.",
		},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Query cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_op_duration_seconds",
			Help:      "Redis operation latency by op and result.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	cacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Query cache backend errors by operation.",
		},
		[]string{"op"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Table-change events handled by outcome.",
		},
		[]string{"outcome"},
	)

	consumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_messages_total",
			Help:      "Invalidation topic messages by partition and outcome (marked, failed).",
		},
		[]string{"partition", "outcome"},
	)

	consumerProcessSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invalidation_process_seconds",
			Help:      "Time to apply one invalidation message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	consumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invalidation_consumer_lag",
			Help:      "Messages behind the partition high-water mark after the last applied offset.",
		},
		[]string{"partition"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish requests by outcome (success, deduped, invalid, error).",
		},
		[]string{"outcome"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_events_total",
			Help:      "Query events by outcome (enqueued, dropped, error).",
		},
		[]string{"outcome"},
	)
)

// Collectors returns every vector so a dedicated registry can expose them.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		discoveryTotal,
		tableQueriesTotal,
		matchedRowsTotal,
		dbAcquireFailuresTotal,
		cacheResults,
		cacheOpSeconds,
		cacheErrorsTotal,
		invalidationsTotal,
		consumerMessagesTotal,
		consumerProcessSeconds,
		consumerLag,
		publishTotal,
		eventsTotal,
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream, op string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, op).Observe(durationSeconds)
}

func IncDiscovery(outcome string) { discoveryTotal.WithLabelValues(outcome).Inc() }

func IncTableQuery(outcome string) { tableQueriesTotal.WithLabelValues(outcome).Inc() }

func AddMatchedRows(n int) {
	if n > 0 {
		matchedRowsTotal.Add(float64(n))
	}
}

func IncDBAcquireFailure() { dbAcquireFailuresTotal.Inc() }

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

// IncCacheSkip counts results that were not stored because they were partial.
func IncCacheSkip() { cacheResults.WithLabelValues("skip").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpSeconds.WithLabelValues(op, result).Observe(durationSeconds)
}

func IncCacheError(op string) { cacheErrorsTotal.WithLabelValues(op).Inc() }

func IncInvalidation(outcome string) { invalidationsTotal.WithLabelValues(outcome).Inc() }

func IncPublish(outcome string) { publishTotal.WithLabelValues(outcome).Inc() }

func IncQueryEvent(outcome string) { eventsTotal.WithLabelValues(outcome).Inc() }

// ObserveConsumed records one invalidation message and, when it was marked,
// the remaining lag on its partition.
func ObserveConsumed(partition int32, outcome string, durationSeconds float64, lag int64) {
	part := strconv.Itoa(int(partition))
	consumerMessagesTotal.WithLabelValues(part, outcome).Inc()
	consumerProcessSeconds.Observe(durationSeconds)
	if outcome == "marked" {
		consumerLag.WithLabelValues(part).Set(float64(max(lag, 0)))
	}
}
