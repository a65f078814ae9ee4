// Package metrics holds the Prometheus collectors for the chat server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairchat"

// Lifecycle transitions counted by Transition.
const (
	Sent      = "sent"
	Delivered = "delivered"
	Seen      = "seen"
	Edited    = "edited"
	Deleted   = "deleted"
)

type Metrics struct {
	OnlineUsers      prometheus.Gauge
	Transitions      *prometheus.CounterVec
	EventsDelivered  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	SignalsThrottled prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a registered real-time connection.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_transitions_total",
			Help:      "Message lifecycle transitions by kind.",
		}, []string{"transition"}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Real-time events handed to a connection.",
		}, []string{"event"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Real-time events dropped because the peer was offline or stalled.",
		}, []string{"event"}),
		SignalsThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_throttled_total",
			Help:      "Inbound client signals discarded by the rate limiter.",
		}),
	}
}

// OnlineChanged lets Metrics observe the presence registry.
func (m *Metrics) OnlineChanged(online []string) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(len(online)))
}

func (m *Metrics) Transition(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Transitions.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) EventDelivered(event string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(event).Inc()
}

func (m *Metrics) EventDropped(event string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) SignalThrottled() {
	if m == nil {
		return
	}
	m.SignalsThrottled.Inc()
}
