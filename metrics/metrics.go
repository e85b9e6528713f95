package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_connections_total",
			Help: "Total accepted connections",
		},
		[]string{"transport"}, // "tcp" or "websocket"
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtchat_sessions_active",
			Help: "Authenticated sessions currently in the registry",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtchat_auth_failures_total",
			Help: "Connections terminated because of an authentication failure",
		},
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_messages_sent_total",
			Help: "Messages persisted by the pipeline",
		},
		[]string{"state"},
	)

	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_push_failures_total",
			Help: "Best-effort pushes that could not be queued on a live connection",
		},
		[]string{"event"},
	)

	PendingRedelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtchat_pending_redelivered_total",
			Help: "Pending messages pushed after the receiver came online",
		},
	)

	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_read_receipts_total",
			Help: "mark-read requests by outcome",
		},
		[]string{"result"}, // "advanced", "noop", "not_found", "error"
	)

	PresenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_presence_events_total",
			Help: "presence-changed pushes by direction and outcome",
		},
		[]string{"online", "result"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtchat_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"backend", "op"},
	)
)
