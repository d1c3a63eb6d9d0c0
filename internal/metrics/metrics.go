package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_ws_dropped_clients_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_ws_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection rate limit",
		},
	)

	// Chat metrics
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_total",
			Help: "Inbound events handled, by event and ack status",
		},
		[]string{"event", "status"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Outbound events written to connection buffers",
		},
		[]string{"event"},
	)

	ImageUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_image_uploads_total",
			Help: "Background image uploads by outcome",
		},
		[]string{"outcome"}, // "stored", "failed", "timeout", "orphaned"
	)

	// Infrastructure metrics
	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_relay_published_total",
			Help: "Deliveries published to other instances",
		},
	)
)
