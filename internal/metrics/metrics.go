package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_connections_opened_total",
			Help: "Total WebSocket connections accepted",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Rooms currently held by the registry",
		},
	)

	EnvelopesFannedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_fanout_total",
			Help: "Live envelopes delivered to attached connections",
		},
	)

	// Replay metrics
	ReplayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_replay_requests_total",
			Help: "Replay requests served",
		},
		[]string{"source"}, // "backlog" or "log"
	)

	ReplayEnvelopes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_replay_envelopes_total",
			Help: "Envelopes redelivered with the replay flag",
		},
	)

	// Presence metrics
	PresenceEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_presence_events_total",
			Help: "Presence events published",
		},
	)

	// Error metrics
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_frames_dropped_total",
			Help: "Inbound frames dropped",
		},
		[]string{"reason"}, // "malformed" or "unknown_type"
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_send_failures_total",
			Help: "Outbound socket sends dropped or failed",
		},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broker_errors_total",
			Help: "Broker operation failures",
		},
		[]string{"op"}, // "tail", "fetch", "publish", "presence", "drain"
	)
)
