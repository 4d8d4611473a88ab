// metrics.go: Prometheus collectors for the rate limiter
package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aidin1998/quotefeed/pkg/metrics"
)

type limiterMetrics struct {
	requests      *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	queueLength   prometheus.Gauge
	backoffDelay  *prometheus.GaugeVec
}

func newLimiterMetrics(reg prometheus.Registerer) *limiterMetrics {
	return &limiterMetrics{
		requests: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Outbound requests by provider and outcome",
		}, []string{"provider", "outcome"})),
		rateLimitHits: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ratelimit",
			Name:      "throttled_total",
			Help:      "Requests that failed with a provider rate-limit error",
		}, []string{"provider"})),
		latency: metrics.MustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ratelimit",
			Name:      "request_duration_seconds",
			Help:      "Execution time of admitted requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"})),
		queueLength: metrics.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ratelimit",
			Name:      "queue_length",
			Help:      "Requests waiting for admission",
		})),
		backoffDelay: metrics.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "ratelimit",
			Name:      "backoff_delay_seconds",
			Help:      "Current backoff delay per provider",
		}, []string{"provider"})),
	}
}
