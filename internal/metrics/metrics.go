// Package metrics provides Prometheus instrumentation for the chatsync client.
// It exposes a gauge for the connection state, counters for reconnects,
// delivered events and cache invalidations, and gauges for subscription
// counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 while disconnected, 1 while connecting, 2 while
	// connected and 3 after an authentication rejection.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Current real-time connection state (0=disconnected 1=connecting 2=connected 3=rejected)",
	})

	// ReconnectsTotal counts reconnect attempts scheduled after a lost or
	// failed connection.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnects_total",
		Help: "Total number of scheduled reconnect attempts",
	})

	// Subscriptions tracks registry entries labeled by status: "active" or
	// "pending".
	Subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_subscriptions",
		Help: "Current number of subscriptions by status",
	}, []string{"status"}) // status = "active", "pending"

	// EventsTotal counts decoded events labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Total number of decoded events by type",
	}, []string{"type"})

	// MalformedEventsTotal counts frame bodies that failed to decode.
	MalformedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_malformed_events_total",
		Help: "Total number of dropped malformed frame bodies",
	})

	// InvalidationsTotal counts invalidation requests labeled by the key's
	// resource name.
	InvalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_invalidations_total",
		Help: "Total number of query cache invalidations by resource",
	}, []string{"resource"})

	// InvalidationsDropped counts invalidations that a fan-out sink could not
	// forward, labeled by sink.
	InvalidationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_invalidations_dropped_total",
		Help: "Total number of invalidations dropped by a fan-out sink",
	}, []string{"sink"}) // sink = "redis", "nats"

	// HandlerPanicsTotal counts recovered panics in callbacks, labeled by the
	// component that recovered them.
	HandlerPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_handler_panics_total",
		Help: "Total number of recovered callback panics by component",
	}, []string{"component"})

	// TypingPublishedTotal counts typing signals sent, labeled by state:
	// "start" or "stop".
	TypingPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_typing_published_total",
		Help: "Total number of typing signals published",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		Subscriptions,
		EventsTotal,
		MalformedEventsTotal,
		InvalidationsTotal,
		InvalidationsDropped,
		HandlerPanicsTotal,
		TypingPublishedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
