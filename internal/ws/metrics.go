package ws

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aidin1998/quotefeed/pkg/metrics"
)

type connMetrics struct {
	state       *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	parseErrors *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
}

func newConnMetrics(reg prometheus.Registerer) *connMetrics {
	return &connMetrics{
		state: metrics.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "source",
			Name:      "connection_state",
			Help:      "Connection state per source (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
		}, []string{"source"})),
		messages: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "source",
			Name:      "messages_received_total",
			Help:      "Decoded frames by source and message type",
		}, []string{"source", "type"})),
		parseErrors: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "source",
			Name:      "parse_errors_total",
			Help:      "Malformed frames dropped",
		}, []string{"source"})),
		reconnects: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "source",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts started",
		}, []string{"source"})),
		exhausted: metrics.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "source",
			Name:      "reconnects_exhausted_total",
			Help:      "Times automatic reconnection gave up",
		}, []string{"source"})),
	}
}
