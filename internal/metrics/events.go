package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(eventsRelayed, eventHandlerErrors, relayLag) }

var (
	eventsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_events_relayed_total",
			Help: "Outbox events published on the bus, by topic.",
		},
		[]string{"topic"},
	)

	eventHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctranslate_event_handler_errors_total",
			Help: "Bus handler failures, by topic.",
		},
		[]string{"topic"},
	)

	relayLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "doctranslate_relay_cursor",
			Help: "Outbox sequence number the relay has published up to.",
		},
	)
)

// EventRelayed counts one published event.
func EventRelayed(topic string) {
	eventsRelayed.WithLabelValues(norm(topic)).Inc()
}

// EventHandlerFailed counts one failed handler invocation.
func EventHandlerFailed(topic string) {
	eventHandlerErrors.WithLabelValues(norm(topic)).Inc()
}

// SetRelayCursor records the relay position.
func SetRelayCursor(seq int64) {
	relayLag.Set(float64(seq))
}
