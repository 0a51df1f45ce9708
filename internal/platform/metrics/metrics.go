// Package metrics registers the relay's Prometheus collectors.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of active websocket connections.",
	})
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_handshakes_total",
		Help: "Websocket handshakes by outcome.",
	}, []string{"outcome"})
	SupersededConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_superseded_total",
		Help: "Connections replaced by a newer connection for the same user.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Inbound client events by name.",
	}, []string{"event"})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Outbound frames dropped because a connection's send buffer was full.",
	})
	ReplyTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_reply_timeouts_total",
		Help: "Connections closed because a request reply could not be queued in time.",
	})

	// Messaging metrics
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_persisted_total",
		Help: "Messages accepted by the message store.",
	})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_store_errors_total",
		Help: "Message store failures by operation.",
	}, []string{"op"})
	LiveDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_live_deliveries_total",
		Help: "Targeted pushes by result (local, remote, offline).",
	}, []string{"result"})

	// Typing metrics
	TypingExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_typing_expiries_total",
		Help: "Typing signals that resolved to stopped by timeout.",
	})

	// Backplane metrics
	BackplanePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_backplane_published_total",
		Help: "Frames published to the backplane by kind.",
	}, []string{"kind"})
	BackplanePublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_backplane_publish_retries_total",
		Help: "Retries when publishing to the backplane.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
