package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonMalformed      = "malformed"
	ReasonUnknownSession = "unknown_session"
	ReasonRateLimited    = "rate_limited"
	ReasonQueueFull      = "queue_full"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics
// records nothing, so components can run without a registry.
type Metrics struct {
	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	Connections      prometheus.Gauge
	LiveSessions     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "examrelay",
			Name:      "events_received_total",
			Help:      "Inbound events accepted by the broker, by event name.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "examrelay",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without fan-out, by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "examrelay",
			Name:      "deliveries_total",
			Help:      "Outbound frames written to connections, by event name.",
		}, []string{"event"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "examrelay",
			Name:      "delivery_failures_total",
			Help:      "Outbound frames skipped because the connection was not writable.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "examrelay",
			Name:      "connections",
			Help:      "Currently attached connections.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "examrelay",
			Name:      "live_sessions",
			Help:      "Sessions started and not yet ended.",
		}),
	}
	reg.MustRegister(
		m.EventsReceived,
		m.EventsDropped,
		m.Deliveries,
		m.DeliveryFailures,
		m.Connections,
		m.LiveSessions,
	)
	return m
}

func (m *Metrics) Received(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}

// Handler exposes the metrics gathered by g at /metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
