package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hirestream"

// connectionStates mirrors connection.ConnectionState without importing it.
var connectionStates = []string{"disconnected", "connecting", "connected", "error", "disabled"}

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
	disables        prometheus.Counter
	closes          *prometheus.CounterVec

	eventsReceived   prometheus.Counter
	eventsDispatched *prometheus.CounterVec
	parseErrors      prometheus.Counter
	unrouted         prometheus.Counter
	handlerPanics    *prometheus.CounterVec

	relayPublished *prometheus.CounterVec
	relayErrors    prometheus.Counter

	writerRows    prometheus.Counter
	writerErrors  prometheus.Counter
	writerFlushes prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current realtime connection state, 0 otherwise",
		}, []string{"state"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a retry-eligible close",
		}),

		disables: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "disabled_total",
			Help:      "Times the circuit breaker disabled the connection",
		}),

		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "closes_total",
			Help:      "Socket closes by close code",
		}, []string{"code"}),

		eventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Inbound messages handed to the event router",
		}),

		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_dispatched_total",
			Help:      "Envelopes delivered to at least one subscriber, by type",
		}, []string{"type"}),

		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "parse_errors_total",
			Help:      "Malformed inbound messages dropped",
		}),

		unrouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "unrouted_total",
			Help:      "Envelopes dropped because no subscriber was registered",
		}),

		handlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_panics_total",
			Help:      "Subscriber callbacks that panicked, by type",
		}, []string{"type"}),

		relayPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Envelopes published to Redis, by type",
		}, []string{"type"}),

		relayErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Failed Redis publishes",
		}),

		writerRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_inserted_total",
			Help:      "Application status rows inserted",
		}),

		writerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "errors_total",
			Help:      "Failed batch inserts",
		}),

		writerFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flushes_total",
			Help:      "Successful batch flushes",
		}),
	}
}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) IncDisabled() {
	if m == nil {
		return
	}
	m.disables.Inc()
}

func (m *Metrics) ObserveClose(code int) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
}

func (m *Metrics) IncDispatched(eventType string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncParseErrors() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) IncUnrouted() {
	if m == nil {
		return
	}
	m.unrouted.Inc()
}

func (m *Metrics) IncHandlerPanics(eventType string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRelayPublished(eventType string) {
	if m == nil {
		return
	}
	m.relayPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRelayErrors() {
	if m == nil {
		return
	}
	m.relayErrors.Inc()
}

// ObserveFlush records a writer flush; err != nil counts as a failed batch.
func (m *Metrics) ObserveFlush(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.writerErrors.Inc()
		return
	}
	m.writerFlushes.Inc()
	m.writerRows.Add(float64(rows))
}
