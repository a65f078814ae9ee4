package chat

import (
	"encoding/json"

	"pairchat/internal/metrics"
	"pairchat/internal/presence"
)

// Dispatcher delivers addressed events to whoever is connected right now.
// Delivery is best-effort: an absent or stalled peer drops the event, no
// queueing, no retry. The stored message remains the source of truth.
type Dispatcher struct {
	presence *presence.Registry
	metrics  *metrics.Metrics
}

func NewDispatcher(registry *presence.Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{presence: registry, metrics: m}
}

// Notify sends event to user's connection and reports whether it was handed
// to the transport.
func (d *Dispatcher) Notify(user, event string, payload any) bool {
	conn, ok := d.presence.Lookup(user)
	if !ok {
		d.metrics.EventDropped(event)
		return false
	}
	frame, err := encode(event, payload)
	if err != nil {
		logger.Errorf("encoding %s: %v", event, err)
		return false
	}
	return d.deliver(user, conn, event, frame)
}

// BroadcastAll sends event to every registered connection.
func (d *Dispatcher) BroadcastAll(event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		logger.Errorf("encoding %s: %v", event, err)
		return
	}
	for user, conn := range d.presence.Connections() {
		d.deliver(user, conn, event, frame)
	}
}

func (d *Dispatcher) deliver(user string, conn presence.Conn, event string, frame []byte) bool {
	if err := conn.Deliver(frame); err != nil {
		logger.Debugf("dropping %s for %q: %v", event, user, err)
		d.metrics.EventDropped(event)
		return false
	}
	d.metrics.EventDelivered(event)
	return true
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Payload: payload})
}
