package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the bridge's Prometheus collectors.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionTeardowns *prometheus.CounterVec
	AdmissionRejects prometheus.Counter
	ViewersConnected prometheus.Gauge
	BroadcastEvents  *prometheus.CounterVec
	BroadcastDrops   prometheus.Counter
	FramesReceived   prometheus.Counter
}

// NewMetrics registers the collectors with reg. Tests pass a fresh registry
// to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "sessions_started_total",
			Help:      "Source sessions that completed the upstream handshake.",
		}),
		SessionTeardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "session_teardowns_total",
			Help:      "Source session teardowns by cause.",
		}, []string{"cause"}),
		AdmissionRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "admission_rejects_total",
			Help:      "Source connections rejected because a session was already active.",
		}),
		ViewersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "echosight",
			Name:      "viewers_connected",
			Help:      "Currently registered viewer connections.",
		}),
		BroadcastEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "broadcast_events_total",
			Help:      "Events fanned out to viewers, by event type.",
		}, []string{"type"}),
		BroadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "broadcast_drops_total",
			Help:      "Viewers pruned after a failed delivery.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "echosight",
			Name:      "frames_received_total",
			Help:      "Video frames received from the source.",
		}),
	}
}
