package server

// Prometheus collectors, exposed on GET /metrics.

import (
	"github.com/prometheus/client_golang/prometheus"
)

var metricSessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "broadcast_sessions_active",
		Help: "Number of live broadcast sessions.",
	},
)

var metricSessionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_sessions_created_total",
		Help: "Sessions created since start.",
	},
)

var metricSessionsEnded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "broadcast_sessions_ended_total",
		Help: "Sessions torn down since start, by reason.",
	},
	[]string{"reason"},
)

var metricListenersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "broadcast_listeners_active",
		Help: "Listeners currently attached across all sessions.",
	},
)

var metricListenersTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_listeners_total",
		Help: "Listener admissions since start.",
	},
)

var metricChunksRelayed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_chunks_relayed_total",
		Help: "Audio chunks accepted from broadcasters.",
	},
)

var metricBytesRelayed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_bytes_relayed_total",
		Help: "Audio bytes accepted from broadcasters.",
	},
)

var metricChunksDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_chunks_dropped_total",
		Help: "Chunks dropped on full listener queues.",
	},
)

var metricSlowConsumers = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_slow_consumers_kicked_total",
		Help: "Listeners disconnected by the slow consumer policy.",
	},
)

var metricUpgradesRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_upgrades_rejected_total",
		Help: "WebSocket upgrade attempts destroyed by the gate.",
	},
)

var metricBackpressureEvents = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_backpressure_events_total",
		Help: "Times the recording sink crossed its high-water mark.",
	},
)

func init() {
	prometheus.MustRegister(
		metricSessionsActive,
		metricSessionsTotal,
		metricSessionsEnded,
		metricListenersActive,
		metricListenersTotal,
		metricChunksRelayed,
		metricBytesRelayed,
		metricChunksDropped,
		metricSlowConsumers,
		metricUpgradesRejected,
		metricBackpressureEvents,
	)
}
