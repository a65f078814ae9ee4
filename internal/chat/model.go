package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// Message is one direct message between two users. Sender, Receiver,
// CreatedAt and the body kind never change after creation.
type Message struct {
	ID        string     `json:"_id" bson:"_id"`
	Sender    string     `json:"sender" bson:"sender"`
	Receiver  string     `json:"receiver" bson:"receiver"`
	Text      string     `json:"text,omitempty" bson:"text"`
	Image     string     `json:"image,omitempty" bson:"image"`
	Delivered bool       `json:"delivered" bson:"delivered"`
	SeenBy    []string   `json:"seenBy" bson:"seenBy"`
	Deleted   bool       `json:"deleted" bson:"deleted"`
	DeletedBy string     `json:"deletedBy,omitempty" bson:"deletedBy"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" bson:"deletedAt"`
	Edited    bool       `json:"edited" bson:"edited"`
	EditedAt  *time.Time `json:"editedAt,omitempty" bson:"editedAt"`
	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
}

// IsImage reports whether the body is an image reference.
func (m *Message) IsImage() bool { return m.Image != "" }

// SeenByUser reports whether user is in the seen set.
func (m *Message) SeenByUser(user string) bool {
	return set.NewStrings(m.SeenBy...).Contains(user)
}

// Unseen reports whether nobody has viewed the message yet.
func (m *Message) Unseen() bool { return len(m.SeenBy) == 0 }

// AddSeen adds user to the seen set; it reports false if already there.
func (m *Message) AddSeen(user string) bool {
	seen := set.NewStrings(m.SeenBy...)
	if seen.Contains(user) {
		return false
	}
	seen.Add(user)
	m.SeenBy = seen.SortedValues()
	return true
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.SeenBy = append([]string{}, m.SeenBy...)
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

// Body is the payload of a new message: exactly one of Text or Image.
type Body struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (b Body) Validate() error {
	hasText := strings.TrimSpace(b.Text) != ""
	hasImage := strings.TrimSpace(b.Image) != ""
	switch {
	case hasText && hasImage:
		return errors.NotValidf("message with both text and image")
	case !hasText && !hasImage:
		return errors.NotValidf("empty message")
	}
	return nil
}

// ---------------------------------------------
// ⚡ Real-time Event Payloads
// ---------------------------------------------

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound is an Envelope as read from a client; the payload is decoded
// once the event name is known.
type Inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MessagesSeen struct {
	By   string `json:"by"`
	User string `json:"user"`
}

type SeenByReceiver struct {
	MessageID string `json:"messageId"`
	Receiver  string `json:"receiver"`
}

type ReceivedInActiveChat struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
}

type MessageEdited struct {
	ID       string     `json:"id"`
	Sender   string     `json:"sender"`
	Receiver string     `json:"receiver"`
	Text     string     `json:"text"`
	Edited   bool       `json:"edited"`
	EditedAt *time.Time `json:"editedAt"`
}

type MessageDeleted struct {
	MessageID   string    `json:"messageId"`
	ChatBetween [2]string `json:"chatBetween"`
	DeletedBy   string    `json:"deletedBy"`
}

type Typing struct {
	Sender string `json:"sender"`
}

type ErrorNotice struct {
	Message string `json:"message"`
}

// Client → server signal payloads. Sender fields are accepted for wire
// compatibility but the connection's own identity is what counts.
type TypingSignal struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type SeenAckSignal struct {
	MessageID string `json:"messageId"`
	Receiver  string `json:"receiver"`
	Sender    string `json:"sender"`
}
