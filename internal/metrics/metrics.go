package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RecordsParsed    prometheus.Counter
	ParseErrors      prometheus.Counter
	Rotations        prometheus.Counter
	TailerIOErrors   prometheus.Counter
	SessionsActive   prometheus.Gauge
	ClientsConnected prometheus.Gauge
	Subscriptions    prometheus.Counter
	Takeovers        prometheus.Counter
	SlowConsumers    prometheus.Counter
	EventsDiscarded  prometheus.Counter
}

// New registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsParsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "records_parsed_total",
			Help:      "Log records successfully parsed across all sessions.",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "parse_errors_total",
			Help:      "Log lines dropped because they failed to parse.",
		}),
		Rotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "log_rotations_total",
			Help:      "Detected log truncations.",
		}),
		TailerIOErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "tailer_io_errors_total",
			Help:      "Transient tailer I/O errors (each triggers a retry).",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "porthole",
			Name:      "sessions_active",
			Help:      "Sessions currently being tailed.",
		}),
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "porthole",
			Name:      "clients_connected",
			Help:      "WebSocket clients currently connected.",
		}),
		Subscriptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "subscriptions_total",
			Help:      "Successful session subscriptions.",
		}),
		Takeovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "takeovers_total",
			Help:      "Subscriptions replaced by a forced takeover.",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "slow_consumer_closes_total",
			Help:      "Clients closed for not draining their mailbox in time.",
		}),
		EventsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "porthole",
			Name:      "events_discarded_total",
			Help:      "Session events published with no subscriber attached.",
		}),
	}
}

// NewUnregistered returns collectors bound to a throwaway registry, for
// wiring components in tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
