package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionchat"

// Metrics holds the collectors of one engine instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsRouted      *prometheus.CounterVec
	eventsDuplicate   *prometheus.CounterVec
	eventsMalformed   *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	handlerPanics     prometheus.Counter
	messageStates     *prometheus.CounterVec
	sendAttempts      *prometheus.CounterVec
	keyExchanges      *prometheus.CounterVec
	peersOnline       prometheus.Gauge
	peersTyping       prometheus.Gauge
	gatewayReconnects prometheus.Counter
	gatewaySends      *prometheus.CounterVec
	staleDeliveries   prometheus.Gauge
	breakerState      *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_routed_total",
				Help:      "Inbound events dispatched to a handler",
			},
			[]string{"kind"},
		),
		eventsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_duplicate_total",
				Help:      "Inbound events dropped by the dedup ledger",
			},
			[]string{"kind"},
		),
		eventsMalformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_malformed_total",
				Help:      "Inbound events dropped because their payload was invalid",
			},
			[]string{"kind"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Time spent handling one inbound event",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"kind"},
		),
		handlerPanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_panics_total",
				Help:      "Handler panics recovered by the router",
			},
		),
		messageStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_transitions_total",
				Help:      "Message delivery state transitions",
			},
			[]string{"state"},
		),
		sendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_attempts_total",
				Help:      "Outbound message transmission attempts",
			},
			[]string{"result"},
		),
		keyExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_exchange_transitions_total",
				Help:      "Key exchange request status transitions",
			},
			[]string{"status"},
		),
		peersOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_online",
				Help:      "Peers currently considered online",
			},
		),
		peersTyping: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_typing",
				Help:      "Conversations with a typing peer",
			},
		),
		gatewayReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_reconnects_total",
				Help:      "Gateway connection attempts after the first",
			},
		),
		gatewaySends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_sends_total",
				Help:      "Outbound gateway events by type and result",
			},
			[]string{"type", "result"},
		),
		staleDeliveries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stale_deliveries",
				Help:      "Acknowledged messages not delivered within the stale window",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Control API requests by route and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Control API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.eventsRouted,
		m.eventsDuplicate,
		m.eventsMalformed,
		m.handlerDuration,
		m.handlerPanics,
		m.messageStates,
		m.sendAttempts,
		m.keyExchanges,
		m.peersOnline,
		m.peersTyping,
		m.gatewayReconnects,
		m.gatewaySends,
		m.staleDeliveries,
		m.breakerState,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventRouted(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(kind).Inc()
	m.handlerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) EventDuplicate(kind string) {
	if m == nil {
		return
	}
	m.eventsDuplicate.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventMalformed(kind string) {
	if m == nil {
		return
	}
	m.eventsMalformed.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) MessageState(state string) {
	if m == nil {
		return
	}
	m.messageStates.WithLabelValues(state).Inc()
}

func (m *Metrics) SendAttempt(result string) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) KeyExchange(status string) {
	if m == nil {
		return
	}
	m.keyExchanges.WithLabelValues(status).Inc()
}

func (m *Metrics) SetPeersOnline(n int) {
	if m == nil {
		return
	}
	m.peersOnline.Set(float64(n))
}

func (m *Metrics) SetPeersTyping(n int) {
	if m == nil {
		return
	}
	m.peersTyping.Set(float64(n))
}

func (m *Metrics) GatewayReconnect() {
	if m == nil {
		return
	}
	m.gatewayReconnects.Inc()
}

func (m *Metrics) GatewaySend(eventType, result string) {
	if m == nil {
		return
	}
	m.gatewaySends.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SetStaleDeliveries(n int) {
	if m == nil {
		return
	}
	m.staleDeliveries.Set(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// HTTPRequest records one control API request. route is the matched
// template, not the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
