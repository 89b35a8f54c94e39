// Package metrics registers the Prometheus metrics exported by the analysis
// service. All collectors live on the default registry and are served by
// promhttp from cmd/visaod.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend call metrics.
var (
	// BackendRequests counts backend invocations labelled by backend, mode
	// and outcome ("success" or an error kind such as "timeout").
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visao_backend_requests_total",
			Help: "Total backend invocations by outcome.",
		},
		[]string{"backend", "mode", "outcome"},
	)

	// BackendDuration observes backend call latency in seconds.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "visao_backend_duration_seconds",
			Help:    "Backend call duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"backend", "mode"},
	)

	// CircuitBreakerState tracks per-backend breaker state:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visao_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed 1=open 2=half_open).",
		},
		[]string{"backend"},
	)

	// PoolBusyWorkers is the number of workers currently running a job.
	PoolBusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visao_pool_busy_workers",
		Help: "Workers currently executing a backend call.",
	})
)

// Cache metrics.
var (
	// CacheLookups counts result cache lookups by mode and result ("hit",
	// "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visao_cache_lookups_total",
			Help: "Result cache lookups by outcome.",
		},
		[]string{"mode", "result"},
	)

	// CacheEvictions counts entries dropped by reason ("capacity", "expired").
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visao_cache_evictions_total",
			Help: "Result cache evictions by reason.",
		},
		[]string{"reason"},
	)

	// CacheEntries is the number of entries held by the in-process cache.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visao_cache_entries",
		Help: "Entries currently held in the in-process result cache.",
	})

	// ImageBytesSaved totals the upload bytes removed by image optimisation.
	ImageBytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visao_image_bytes_saved_total",
		Help: "Bytes removed from images by downscaling before analysis.",
	})
)

// HTTP metrics.
var (
	// RateLimitRejections counts requests refused by a local limiter,
	// labelled by scope ("client", "backend").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visao_rate_limit_rejections_total",
			Help: "Requests rejected by local rate limiting.",
		},
		[]string{"scope"},
	)

	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visao_http_requests_total",
			Help: "HTTP requests served by route and status.",
		},
		[]string{"route", "status"},
	)
)
