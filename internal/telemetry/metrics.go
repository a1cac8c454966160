// Package telemetry provides observability primitives for the Radagast gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	ProviderHealth   *prometheus.GaugeVec
	UpstreamErrors   *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	WSClients        prometheus.Gauge
	CostQueueLength  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "radagast",
			Name:                            "http_request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "requests_total",
			Help:      "Total gateway requests by terminal status.",
		}, []string{"provider", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "radagast",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "queue_depth",
			Help:      "Current number of queued requests.",
		}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "active_workers",
			Help:      "Number of workers currently executing a request.",
		}),

		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "provider_health",
			Help:      "Provider health state (0 down, 1 degraded, 2 ok, -1 unknown).",
		}, []string{"provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "kind"}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "retries_total",
			Help:      "Total retry attempts after a failed upstream call.",
		}, []string{"provider"}),

		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "fallbacks_total",
			Help:      "Total executions handed to a non-preferred provider.",
		}, []string{"provider"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "direction"}),

		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "cost_usd_total",
			Help:      "Accumulated upstream spend in USD.",
		}, []string{"provider"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "ws_clients",
			Help:      "Currently connected WebSocket clients.",
		}),

		CostQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "cost_queue_length",
			Help:      "Current number of queued cost samples.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPDuration,
		m.RequestsTotal,
		m.RequestDuration,
		m.QueueDepth,
		m.ActiveWorkers,
		m.ProviderHealth,
		m.UpstreamErrors,
		m.Retries,
		m.Fallbacks,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CostUSD,
		m.WSClients,
		m.CostQueueLength,
	)

	return m
}

// HealthGaugeValue maps a health state string to its gauge encoding.
func HealthGaugeValue(state string) float64 {
	switch state {
	case "ok":
		return 2
	case "degraded":
		return 1
	case "down":
		return 0
	default:
		return -1
	}
}
