// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker Metrics
var (
	// BrokerDeclaredChannels tracks declared channels by discipline
	BrokerDeclaredChannels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_declared_channels",
			Help: "Number of declared channels by discipline",
		},
		[]string{"discipline"},
	)

	// BrokerSubscriptions tracks current subscriber count per channel
	BrokerSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_subscriptions",
			Help: "Current number of subscribers per channel",
		},
		[]string{"channel"},
	)

	// BrokerConnectedSubscribers tracks connections known to the registry
	BrokerConnectedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected_subscribers",
			Help: "Number of connections holding at least one subscription",
		},
	)

	// BrokerEventsPublishedTotal tracks accepted publishes per channel
	BrokerEventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_published_total",
			Help: "Total events accepted by the broker by channel and payload kind",
		},
		[]string{"channel", "kind"},
	)

	// BrokerEventsDeliveredTotal tracks hand-offs to connection outboxes
	BrokerEventsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_events_delivered_total",
			Help: "Total events handed to connection outboxes",
		},
	)

	// BrokerRetainedReplaysTotal tracks retained envelopes replayed on subscribe
	BrokerRetainedReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_retained_replays_total",
			Help: "Total retained stateful envelopes replayed to new subscribers",
		},
	)

	// BrokerRejectedCommandsTotal tracks commands refused by the broker
	BrokerRejectedCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_rejected_commands_total",
			Help: "Total broker commands rejected by command and reason",
		},
		[]string{"command", "reason"},
	)

	// BrokerSlowClientsEvicted tracks subscribers evicted on outbox overflow
	BrokerSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_slow_clients_evicted_total",
			Help: "Total number of subscribers evicted because their outbox was full",
		},
	)

	// BrokerCommandChannelDepth tracks current command channel depth
	BrokerCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_command_channel_depth",
			Help: "Current broker command channel depth",
		},
	)

	// BrokerPanicsTotal tracks broker loop panic recoveries
	BrokerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_panics_total",
			Help: "Total broker panic recoveries",
		},
	)

	// BrokerStopTimeoutsTotal tracks broker stops that exceeded timeout
	BrokerStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_stop_timeouts_total",
			Help: "Broker stops that exceeded timeout",
		},
	)
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks live connection actors
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_current",
			Help: "Current number of live connection actors",
		},
	)

	// ConnectionsTotal tracks all connection actors ever started
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total number of connection actors started",
		},
	)

	// ConnectionsRejectedTotal tracks upgrade requests refused before a connection actor exists
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Total WebSocket upgrades rejected by reason",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks connection lifetime
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	// ConnectionCommandsTotal tracks client commands by operation and outcome
	ConnectionCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_commands_total",
			Help: "Total client commands by operation and status",
		},
		[]string{"op", "status"},
	)

	// ConnectionErrorFramesTotal tracks error frames sent to clients
	ConnectionErrorFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_error_frames_total",
			Help: "Total error frames sent to clients by error type",
		},
		[]string{"type"},
	)

	// ConnectionDroppedEventsTotal tracks queued events released at connection close
	ConnectionDroppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connection_dropped_events_total",
			Help: "Total queued outbound frames released undelivered when a connection closed",
		},
	)

	// ConnectionFrameSendDuration tracks frame write latency
	ConnectionFrameSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connection_frame_send_duration_seconds",
			Help:    "Time to write one frame to the client stream",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// ConnectionPingFailures tracks failed keepalive pings
	ConnectionPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connection_ping_failures_total",
			Help: "Total failed keepalive pings",
		},
	)
)

// Heartbeat Metrics
var (
	// HeartbeatsTotal tracks heartbeat publishes by status
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeats_total",
			Help: "Total heartbeat publishes by status",
		},
		[]string{"status"},
	)
)
