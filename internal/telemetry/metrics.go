package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus instruments. One instance is wired
// through the server into the gateway, router and persistence sync.
type Metrics struct {
	OpenConnections    prometheus.Gauge
	ActiveSessions     prometheus.GaugeFunc
	MessagesRouted     *prometheus.CounterVec
	AdmissionsRejected *prometheus.CounterVec
	DroppedBroadcasts  prometheus.Counter
	PersistenceRetries prometheus.Counter
	PersistenceFailed  prometheus.Counter
}

func NewMetrics(activeSessions func() float64) *Metrics {
	return &Metrics{
		OpenConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "livequiz",
			Name:      "open_connections",
			Help:      "Currently open websocket connections.",
		}),
		ActiveSessions: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "livequiz",
			Name:      "active_sessions",
			Help:      "Sessions currently held by the registry.",
		}, activeSessions),
		MessagesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livequiz",
			Name:      "messages_routed_total",
			Help:      "Inbound protocol messages by type.",
		}, []string{"type"}),
		AdmissionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livequiz",
			Name:      "admissions_rejected_total",
			Help:      "Connections rejected at the gateway by cause.",
		}, []string{"cause"}),
		DroppedBroadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livequiz",
			Name:      "dropped_broadcasts_total",
			Help:      "Broadcast frames dropped because a client buffer was full.",
		}),
		PersistenceRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livequiz",
			Name:      "persistence_retries_total",
			Help:      "Durable result writes that had to be retried.",
		}),
		PersistenceFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livequiz",
			Name:      "persistence_failed_total",
			Help:      "Durable result writes abandoned after exhausting retries.",
		}),
	}
}
