package marketfeeds

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aidin1998/quotefeed/pkg/metrics"
)

type aggregatorMetrics struct {
	ticks      *prometheus.CounterVec
	confidence *prometheus.GaugeVec
}

func newAggregatorMetrics(reg prometheus.Registerer) *aggregatorMetrics {
	return &aggregatorMetrics{
		ticks: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "aggregator",
			Name:      "ticks_total",
			Help:      "Ticks by source and outcome",
		}, []string{"source", "outcome"})),
		confidence: metrics.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "aggregator",
			Name:      "quote_confidence",
			Help:      "Confidence of the latest aggregated quote",
		}, []string{"symbol"})),
	}
}

func newPollCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "poller",
		Name:      "requests_total",
		Help:      "REST polls by source and outcome",
	}, []string{"source", "outcome"}))
}
