// Package metrics holds the process-wide Prometheus registry and the
// counters/histograms shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the process-wide collector registry. A real deployment
// wires this into an HTTP /metrics handler via promhttp.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// JobsEnqueued counts jobs accepted by the queue, labeled by queue name.
	JobsEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobq_enqueued_total",
		Help: "Jobs accepted by the queue.",
	}, []string{"queue"})

	// JobsRetried counts jobs returned to the retry state.
	JobsRetried = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobq_retried_total",
		Help: "Jobs returned to the retry state after a handler failure.",
	}, []string{"queue"})

	// JobsFailedTerminal counts jobs that exhausted their retry budget.
	JobsFailedTerminal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobq_failed_total",
		Help: "Jobs that exhausted their retry budget.",
	}, []string{"queue"})

	// OrphansFound counts orphan records yielded by a scan, labeled by kind.
	OrphansFound = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_gc_orphans_total",
		Help: "Orphan records found by the reconciler.",
	}, []string{"kind"})

	// TenantCacheMiss counts tenant registry cache misses.
	TenantCacheMiss = factory.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tenant_cache_miss_total",
		Help: "Tenant registry cache misses that triggered a DB fetch.",
	})

	// RequestDuration tracks HTTP handler latency by route and HTTP status code.
	RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
