package chat

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"

	"pairchat/internal/presence"
)

// Hub binds live connections to users and routes their inbound signals.
// It never touches storage; anything persistent goes through Service.
type Hub struct {
	presence *presence.Registry
	service  *Service
	notify   *Dispatcher
}

// NewHub wires the hub as a presence observer so every registration
// change is broadcast as getOnlineUsers.
func NewHub(registry *presence.Registry, service *Service, dispatcher *Dispatcher) *Hub {
	h := &Hub{
		presence: registry,
		service:  service,
		notify:   dispatcher,
	}
	registry.Watch(h)
	return h
}

func (h *Hub) OnlineChanged(online []string) {
	h.notify.BroadcastAll(EventOnlineUsers, online)
}

// Connect registers conn as user's connection. A previous connection is
// superseded for routing but left open.
func (h *Hub) Connect(user string, conn presence.Conn) {
	if prev := h.presence.Register(user, conn); prev != nil {
		logger.Infof("user %q reconnected, previous connection superseded", user)
		return
	}
	logger.Infof("user %q connected", user)
}

// Disconnect drops user's registration if conn is still the current one.
func (h *Hub) Disconnect(user string, conn presence.Conn) {
	if h.presence.Release(user, conn) {
		logger.Infof("user %q disconnected", user)
		return
	}
	logger.Debugf("superseded connection for %q closed", user)
}

// HandleSignal routes one inbound frame from user's connection. The
// connection's identity is authoritative; sender fields in payloads are
// ignored.
func (h *Hub) HandleSignal(user string, frame []byte) error {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return errors.NotValidf("malformed frame")
	}

	switch in.Event {
	case SignalTyping, SignalStopTyping:
		var sig TypingSignal
		if err := decodePayload(in, &sig); err != nil {
			return err
		}
		if sig.Receiver == "" {
			return errors.NotValidf("%s without receiver", in.Event)
		}
		h.service.RelayTyping(user, sig.Receiver, in.Event == SignalTyping)

	case SignalSetActiveChat:
		var peer string
		if err := decodePayload(in, &peer); err != nil {
			return err
		}
		peer = strings.TrimSpace(peer)
		if peer == "" {
			h.presence.ClearActiveChat(user)
			return nil
		}
		h.presence.SetActiveChat(user, peer)

	case SignalClearActiveChat:
		h.presence.ClearActiveChat(user)

	case SignalSeenAck:
		var ack SeenAckSignal
		if err := decodePayload(in, &ack); err != nil {
			return err
		}
		if ack.MessageID == "" || ack.Sender == "" {
			return errors.NotValidf("%s without messageId or sender", in.Event)
		}
		h.service.RelaySeenAck(user, ack)

	default:
		return errors.NotValidf("event %q", in.Event)
	}
	return nil
}

func decodePayload(in Inbound, v any) error {
	if len(in.Payload) == 0 {
		return errors.NotValidf("%s without payload", in.Event)
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return errors.NotValidf("%s payload", in.Event)
	}
	return nil
}
