package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_cache_probe_total",
		Help: "Shadow cache probes by outcome (hit, miss, error)",
	}, []string{"outcome"})

	CacheStoreTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_cache_store_total",
		Help: "Query/response pairs written back to the semantic cache by outcome",
	}, []string{"outcome"})

	RecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_records_persisted_total",
		Help: "Shadow records written per storage backend",
	}, []string{"backend"})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_records_persist_failures_total",
		Help: "Failed shadow record writes per storage backend",
	}, []string{"backend"})

	PoolDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_pool_dropped_total",
		Help: "Background tasks dropped because the queue was full",
	}, []string{"pool"})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shadow_pool_queue_depth",
		Help: "Background tasks waiting to run",
	}, []string{"pool"})

	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shadow_llm_latency_seconds",
		Help:    "Wall time of the wrapped LLM call",
		Buckets: prometheus.DefBuckets,
	})

	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shadow_cache_latency_seconds",
		Help:    "Wall time of the semantic cache search",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	LiveDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_live_decisions_total",
		Help: "Live mode answers by source (cache, llm) and reason",
	}, []string{"source", "reason"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadow_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shadow_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
