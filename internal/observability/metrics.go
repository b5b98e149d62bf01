// Package observability holds the Prometheus collectors shared by the agent's components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metricsplay"

var (
	// TelemetrySent counts telemetry submissions by event type and result (sent, failed, dropped).
	TelemetrySent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "records_total",
			Help:      "Telemetry records by event type and submission result",
		},
		[]string{"event_type", "result"},
	)

	// TelemetrySuppressed counts track calls skipped because no user is bound.
	TelemetrySuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "suppressed_total",
			Help:      "Track calls skipped without an authenticated user",
		},
		[]string{"event_type"},
	)

	// RealtimeConnected is 1 while the push channel holds a live connection.
	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connected",
			Help:      "1 while the push channel is connected",
		},
	)

	// RealtimeReconnects counts scheduled reconnect attempts.
	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a transport failure",
		},
	)

	// RealtimeMessages counts inbound topic messages by topic and outcome (routed, dropped, malformed).
	RealtimeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_total",
			Help:      "Inbound push messages by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	// RelayClients is the number of local consumers attached to the relay.
	RelayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Local websocket consumers attached to the relay",
		},
	)
)
