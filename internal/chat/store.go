package chat

import (
	"context"
	"time"
)

// Store is the durable gateway for message records. Backends must return
// an errors.NotFound error for unknown ids.
//
// The Apply* and Mark* methods re-check their preconditions as part of the
// write, so a guard that held when the coordinator looked can still be
// refused at write time; they report whether the write happened.
type Store interface {
	// Create persists a new message. The id is assigned by the caller.
	Create(ctx context.Context, msg *Message) error

	Get(ctx context.Context, id string) (*Message, error)

	// ListBetween returns every message exchanged between a and b, in
	// either direction, oldest first.
	ListBetween(ctx context.Context, a, b string) ([]*Message, error)

	MarkDelivered(ctx context.Context, id string) error

	// MarkSeen adds viewer to seenBy of each listed message whose receiver
	// is viewer and which is not deleted. Already-seen messages are left
	// alone. It returns how many records changed.
	MarkSeen(ctx context.Context, viewer string, ids ...string) (int, error)

	// ApplyEdit replaces the text of an unseen, undeleted text message.
	ApplyEdit(ctx context.Context, id, text string, at time.Time) (bool, error)

	// ApplyDelete tombstones an unseen, undeleted message.
	ApplyDelete(ctx context.Context, id, actor string, at time.Time) (bool, error)

	// CountUnseen returns, per sender, how many undeleted messages to
	// receiver have not been seen by receiver.
	CountUnseen(ctx context.Context, receiver string) (map[string]int, error)
}
