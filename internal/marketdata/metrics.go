package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aidin1998/quotefeed/pkg/metrics"
)

type engineMetrics struct {
	points    prometheus.Counter
	bars      prometheus.Counter
	late      prometheus.Counter
	errors    prometheus.Counter
	evicted   *prometheus.CounterVec
	cacheSize prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		points: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "points_total",
			Help:      "Data points ingested",
		})),
		bars: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "bars_total",
			Help:      "Bars closed",
		})),
		late: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "late_points_total",
			Help:      "Points older than the last closed window, kept only in the raw buffer",
		})),
		errors: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "errors_total",
			Help:      "Failed symbol batches",
		})),
		evicted: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "evicted_total",
			Help:      "Cached items evicted by cap or retention",
		}, []string{"kind"})),
		cacheSize: metrics.MustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "compression",
			Name:      "cache_bytes",
			Help:      "Approximate size of the cache",
		})),
	}
}

type distributorMetrics struct {
	published *prometheus.CounterVec
	dropped   prometheus.Counter
	failures  prometheus.Counter
}

func newDistributorMetrics(reg prometheus.Registerer) *distributorMetrics {
	return &distributorMetrics{
		published: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "distributor",
			Name:      "published_total",
			Help:      "Messages published by kind",
		}, []string{"kind"})),
		dropped: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "distributor",
			Name:      "dropped_total",
			Help:      "Messages dropped because the queue was full",
		})),
		failures: metrics.MustRegister(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "distributor",
			Name:      "publish_failures_total",
			Help:      "Publish calls that returned an error",
		})),
	}
}
