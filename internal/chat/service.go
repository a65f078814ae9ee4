package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"pairchat/internal/metrics"
	"pairchat/internal/presence"
	"pairchat/internal/user"
)

var logger = loggo.GetLogger("pairchat.chat")

// Directory lists the users a viewer can chat with.
type Directory interface {
	ListOthers(ctx context.Context, userID string) ([]user.User, error)
}

// Sidebar is the viewer's contact list with unseen counts per sender.
type Sidebar struct {
	Users          []user.User    `json:"users"`
	UnseenMessages map[string]int `json:"unseenMessages"`
}

// Service drives messages through sent → delivered → seen and the
// edit/delete side paths, telling connected peers as it goes.
type Service struct {
	store    Store
	presence *presence.Registry
	notify   *Dispatcher
	users    Directory
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func NewService(store Store, registry *presence.Registry, dispatcher *Dispatcher, users Directory, clk clock.Clock, m *metrics.Metrics) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		store:    store,
		presence: registry,
		notify:   dispatcher,
		users:    users,
		clock:    clk,
		metrics:  m,
	}
}

// Send persists a new message and, when the receiver is connected, marks
// it delivered. If the receiver already has the sender's chat open the
// message is marked seen in the same step, before any event goes out, so
// no client ever observes a delivered-only state for it.
func (s *Service) Send(ctx context.Context, sender, receiver string, body Body) (*Message, error) {
	if receiver == "" {
		return nil, errors.NotValidf("missing receiver")
	}
	if sender == receiver {
		return nil, errors.NotValidf("message to self")
	}
	if err := body.Validate(); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Text:      body.Text,
		Image:     strings.TrimSpace(body.Image),
		SeenBy:    []string{},
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return nil, storeError(err, "creating message")
	}
	s.metrics.Transition(metrics.Sent, 1)

	if !s.presence.IsOnline(receiver) {
		return msg, nil
	}

	// The message exists from here on; failures below are logged rather
	// than returned so a client never retries into a duplicate.
	if err := s.store.MarkDelivered(ctx, msg.ID); err != nil {
		logger.Errorf("marking %s delivered: %v", msg.ID, err)
		return msg, nil
	}
	msg.Delivered = true
	s.metrics.Transition(metrics.Delivered, 1)

	seenNow := false
	if s.presence.IsActiveChatWith(receiver, sender) {
		n, err := s.store.MarkSeen(ctx, receiver, msg.ID)
		if err != nil {
			logger.Errorf("marking %s seen in active chat: %v", msg.ID, err)
		} else {
			seenNow = n > 0
		}
	}
	if seenNow {
		msg.AddSeen(receiver)
		s.metrics.Transition(metrics.Seen, 1)
	}

	s.notify.Notify(receiver, EventNewMessage, msg.Clone())
	s.notify.Notify(sender, EventMessageDelivered, msg.ID)
	if seenNow {
		s.notify.Notify(receiver, EventReceivedInActiveChat, ReceivedInActiveChat{MessageID: msg.ID, Sender: sender})
		s.notify.Notify(sender, EventSeenByReceiver, SeenByReceiver{MessageID: msg.ID, Receiver: receiver})
	}
	return msg, nil
}

// Conversation returns the history between viewer and peer, oldest first,
// and marks every unseen message addressed to viewer as seen. The peer
// gets a single messagesSeen event when anything changed.
func (s *Service) Conversation(ctx context.Context, viewer, peer string) ([]*Message, error) {
	if peer == "" {
		return nil, errors.NotValidf("missing peer")
	}
	msgs, err := s.store.ListBetween(ctx, viewer, peer)
	if err != nil {
		return nil, storeError(err, "listing conversation")
	}

	var unseen []*Message
	for _, m := range msgs {
		if m.Receiver == viewer && !m.Deleted && !m.SeenByUser(viewer) {
			unseen = append(unseen, m)
		}
	}
	if len(unseen) == 0 {
		return msgs, nil
	}

	ids := make([]string, len(unseen))
	for i, m := range unseen {
		ids[i] = m.ID
	}
	n, err := s.store.MarkSeen(ctx, viewer, ids...)
	if err != nil {
		return nil, storeError(err, "marking conversation seen")
	}
	if n == len(unseen) {
		for _, m := range unseen {
			m.AddSeen(viewer)
		}
	} else {
		// Some records changed under us; report what storage holds.
		if err := s.reload(ctx, unseen); err != nil {
			return nil, err
		}
	}
	if n > 0 {
		s.metrics.Transition(metrics.Seen, n)
		s.notify.Notify(peer, EventMessagesSeen, MessagesSeen{By: viewer, User: peer})
	}
	return msgs, nil
}

// reload replaces each message with its stored state.
func (s *Service) reload(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		fresh, err := s.store.Get(ctx, m.ID)
		if err != nil {
			return storeError(err, "reloading message")
		}
		*m = *fresh
	}
	return nil
}

// MarkSeen is the idempotent single-message catch-up path. It emits no
// event; Conversation carries the real-time signal.
func (s *Service) MarkSeen(ctx context.Context, messageID, viewer string) error {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return storeError(err, "loading message")
	}
	if msg.Receiver != viewer {
		return errors.Unauthorizedf("only the receiver can mark message %q seen", messageID)
	}
	if msg.Deleted || msg.SeenByUser(viewer) {
		return nil
	}
	n, err := s.store.MarkSeen(ctx, viewer, messageID)
	if err != nil {
		return storeError(err, "marking message seen")
	}
	s.metrics.Transition(metrics.Seen, n)
	return nil
}

// Edit replaces the text of a message nobody has seen yet. Only the sender
// may edit, and image messages never change.
func (s *Service) Edit(ctx context.Context, actor, messageID, text string) (*Message, error) {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, storeError(err, "loading message")
	}
	if msg.Sender != actor {
		return nil, errors.Unauthorizedf("only the sender can edit message %q", messageID)
	}
	if err := mutable(msg); err != nil {
		return nil, err
	}
	if msg.IsImage() {
		return nil, conflictf("image message %q cannot be edited", messageID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.NotValidf("empty message")
	}

	at := s.clock.Now()
	applied, err := s.store.ApplyEdit(ctx, messageID, text, at)
	if err != nil {
		return nil, storeError(err, "editing message")
	}
	if !applied {
		return nil, conflictf("message %q can no longer be edited", messageID)
	}
	msg.Text = text
	msg.Edited = true
	msg.EditedAt = &at
	s.metrics.Transition(metrics.Edited, 1)

	event := MessageEdited{
		ID:       msg.ID,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Text:     msg.Text,
		Edited:   true,
		EditedAt: msg.EditedAt,
	}
	s.notify.Notify(msg.Sender, EventMessageEdited, event)
	s.notify.Notify(msg.Receiver, EventMessageEdited, event)
	return msg, nil
}

// Delete tombstones a message nobody has seen yet. The record and its body
// stay in storage; clients render a placeholder.
func (s *Service) Delete(ctx context.Context, actor, messageID string) (*Message, error) {
	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return nil, storeError(err, "loading message")
	}
	if msg.Sender != actor {
		return nil, errors.Unauthorizedf("only the sender can delete message %q", messageID)
	}
	if err := mutable(msg); err != nil {
		return nil, err
	}

	at := s.clock.Now()
	applied, err := s.store.ApplyDelete(ctx, messageID, actor, at)
	if err != nil {
		return nil, storeError(err, "deleting message")
	}
	if !applied {
		return nil, conflictf("message %q can no longer be deleted", messageID)
	}
	msg.Deleted = true
	msg.DeletedBy = actor
	msg.DeletedAt = &at
	s.metrics.Transition(metrics.Deleted, 1)

	event := MessageDeleted{
		MessageID:   msg.ID,
		ChatBetween: [2]string{msg.Sender, msg.Receiver},
		DeletedBy:   actor,
	}
	s.notify.Notify(msg.Sender, EventMessageDeleted, event)
	s.notify.Notify(msg.Receiver, EventMessageDeleted, event)
	return msg, nil
}

func mutable(msg *Message) error {
	if msg.Deleted {
		return conflictf("message %q is deleted", msg.ID)
	}
	if !msg.Unseen() {
		return conflictf("message %q was already seen", msg.ID)
	}
	return nil
}

// RelayTyping forwards a typing start/stop to the receiver if connected.
// Nothing is stored.
func (s *Service) RelayTyping(sender, receiver string, typing bool) bool {
	if receiver == "" || receiver == sender {
		return false
	}
	event := EventUserStopTyping
	if typing {
		event = EventUserTyping
	}
	return s.notify.Notify(receiver, event, Typing{Sender: sender})
}

// RelaySeenAck forwards a receiver's "I saw it" acknowledgement to the
// message's sender.
func (s *Service) RelaySeenAck(receiver string, ack SeenAckSignal) bool {
	if ack.MessageID == "" || ack.Sender == "" {
		return false
	}
	return s.notify.Notify(ack.Sender, EventSeenByReceiver, SeenByReceiver{
		MessageID: ack.MessageID,
		Receiver:  receiver,
	})
}

// Sidebar lists everyone but the viewer along with how many of their
// messages the viewer has not seen. Counts are derived on every call.
func (s *Service) Sidebar(ctx context.Context, viewer string) (*Sidebar, error) {
	users, err := s.users.ListOthers(ctx, viewer)
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "listing users"), ErrInfrastructure)
	}
	counts, err := s.store.CountUnseen(ctx, viewer)
	if err != nil {
		return nil, storeError(err, "counting unseen messages")
	}
	unseen := make(map[string]int, len(counts))
	for sender, n := range counts {
		if n > 0 {
			unseen[sender] = n
		}
	}
	if users == nil {
		users = []user.User{}
	}
	return &Sidebar{Users: users, UnseenMessages: unseen}, nil
}
