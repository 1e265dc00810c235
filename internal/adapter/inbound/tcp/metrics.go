package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the transport.
// Pass to components that need to record metrics.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	EventsEmitted     prometheus.Counter
	RPCRequestsTotal  *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopgate",
				Name:      "connections_total",
				Help:      "Total accepted connections by classified route",
			},
			[]string{"route"},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "loopgate",
				Name:      "active_connections",
				Help:      "Number of currently tracked connections",
			},
		),
		EventsEmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "loopgate",
				Name:      "sse_events_emitted_total",
				Help:      "Total SSE events written (heartbeats excluded)",
			},
		),
		RPCRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopgate",
				Name:      "rpc_requests_total",
				Help:      "Total JSON-RPC requests dispatched",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		HeartbeatFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "loopgate",
				Name:      "sse_heartbeat_failures_total",
				Help:      "Total heartbeat writes that failed and tore down the stream",
			},
		),
	}
}
