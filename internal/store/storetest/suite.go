// Package storetest holds the behaviour every chat.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/internal/chat"
)

// Factory returns an empty store; cleanup is registered on t.
type Factory func(t *testing.T) chat.Store

var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// Run exercises a backend against the gateway contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("ListBetween", func(t *testing.T) { testListBetween(t, newStore(t)) })
	t.Run("MarkDelivered", func(t *testing.T) { testMarkDelivered(t, newStore(t)) })
	t.Run("MarkSeen", func(t *testing.T) { testMarkSeen(t, newStore(t)) })
	t.Run("ApplyEdit", func(t *testing.T) { testApplyEdit(t, newStore(t)) })
	t.Run("ApplyDelete", func(t *testing.T) { testApplyDelete(t, newStore(t)) })
	t.Run("CountUnseen", func(t *testing.T) { testCountUnseen(t, newStore(t)) })
}

func newMessage(sender, receiver string, offset time.Duration) *chat.Message {
	return &chat.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Text:      "hello from " + sender,
		SeenBy:    []string{},
		CreatedAt: base.Add(offset),
	}
}

func create(t *testing.T, s chat.Store, msg *chat.Message) *chat.Message {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), msg))
	return msg
}

func get(t *testing.T, s chat.Store, id string) *chat.Message {
	t.Helper()
	msg, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func testCreateGet(t *testing.T, s chat.Store) {
	ctx := context.Background()
	want := create(t, s, newMessage("alice", "bob", 0))

	got := get(t, s, want.ID)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "bob", got.Receiver)
	assert.Equal(t, want.Text, got.Text)
	assert.Empty(t, got.Image)
	assert.False(t, got.Delivered)
	assert.Empty(t, got.SeenBy)
	assert.False(t, got.Deleted)
	assert.False(t, got.Edited)
	assert.Nil(t, got.EditedAt)
	assert.Nil(t, got.DeletedAt)
	assert.WithinDuration(t, want.CreatedAt, got.CreatedAt, time.Millisecond)

	img := newMessage("bob", "alice", time.Second)
	img.Text = ""
	img.Image = "https://img.example/cat.png"
	create(t, s, img)
	got = get(t, s, img.ID)
	assert.Equal(t, img.Image, got.Image)
	assert.Empty(t, got.Text)
	assert.True(t, got.IsImage())

	_, err := s.Get(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func testListBetween(t *testing.T, s chat.Store) {
	ctx := context.Background()
	third := create(t, s, newMessage("alice", "bob", 3*time.Second))
	first := create(t, s, newMessage("bob", "alice", 1*time.Second))
	second := create(t, s, newMessage("alice", "bob", 2*time.Second))
	create(t, s, newMessage("alice", "carol", 0))
	create(t, s, newMessage("carol", "bob", 0))

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		msgs, err := s.ListBetween(ctx, pair[0], pair[1])
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, first.ID, msgs[0].ID)
		assert.Equal(t, second.ID, msgs[1].ID)
		assert.Equal(t, third.ID, msgs[2].ID)
	}

	msgs, err := s.ListBetween(ctx, "dave", "erin")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testMarkDelivered(t *testing.T, s chat.Store) {
	ctx := context.Background()
	msg := create(t, s, newMessage("alice", "bob", 0))

	require.NoError(t, s.MarkDelivered(ctx, msg.ID))
	require.NoError(t, s.MarkDelivered(ctx, msg.ID))
	assert.True(t, get(t, s, msg.ID).Delivered)

	err := s.MarkDelivered(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func testMarkSeen(t *testing.T, s chat.Store) {
	ctx := context.Background()
	one := create(t, s, newMessage("alice", "bob", 0))
	two := create(t, s, newMessage("alice", "bob", time.Second))
	mine := create(t, s, newMessage("bob", "alice", 2*time.Second))
	gone := create(t, s, newMessage("alice", "bob", 3*time.Second))
	applied, err := s.ApplyDelete(ctx, gone.ID, "alice", base)
	require.NoError(t, err)
	require.True(t, applied)

	n, err := s.MarkSeen(ctx, "bob", one.ID, two.ID, mine.ID, gone.ID, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"bob"}, get(t, s, one.ID).SeenBy)
	assert.Equal(t, []string{"bob"}, get(t, s, two.ID).SeenBy)
	assert.Empty(t, get(t, s, mine.ID).SeenBy, "only the receiver is ever added")
	assert.Empty(t, get(t, s, gone.ID).SeenBy, "tombstones take no seen changes")

	n, err = s.MarkSeen(ctx, "bob", one.ID, two.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"bob"}, get(t, s, one.ID).SeenBy)

	n, err = s.MarkSeen(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testApplyEdit(t *testing.T, s chat.Store) {
	ctx := context.Background()
	at := base.Add(time.Minute)

	msg := create(t, s, newMessage("alice", "bob", 0))
	applied, err := s.ApplyEdit(ctx, msg.ID, "edited text", at)
	require.NoError(t, err)
	require.True(t, applied)
	got := get(t, s, msg.ID)
	assert.Equal(t, "edited text", got.Text)
	assert.True(t, got.Edited)
	require.NotNil(t, got.EditedAt)
	assert.WithinDuration(t, at, *got.EditedAt, time.Millisecond)

	seen := create(t, s, newMessage("alice", "bob", time.Second))
	_, err = s.MarkSeen(ctx, "bob", seen.ID)
	require.NoError(t, err)
	applied, err = s.ApplyEdit(ctx, seen.ID, "too late", at)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, seen.Text, get(t, s, seen.ID).Text)

	img := newMessage("alice", "bob", 2*time.Second)
	img.Text, img.Image = "", "https://img.example/a.png"
	create(t, s, img)
	applied, err = s.ApplyEdit(ctx, img.ID, "caption", at)
	require.NoError(t, err)
	assert.False(t, applied)

	gone := create(t, s, newMessage("alice", "bob", 3*time.Second))
	_, err = s.ApplyDelete(ctx, gone.ID, "alice", at)
	require.NoError(t, err)
	applied, err = s.ApplyEdit(ctx, gone.ID, "resurrect", at)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = s.ApplyEdit(ctx, uuid.NewString(), "x", at)
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func testApplyDelete(t *testing.T, s chat.Store) {
	ctx := context.Background()
	at := base.Add(time.Hour)

	img := newMessage("alice", "bob", 0)
	img.Text, img.Image = "", "https://img.example/b.png"
	create(t, s, img)
	applied, err := s.ApplyDelete(ctx, img.ID, "alice", at)
	require.NoError(t, err)
	require.True(t, applied)
	got := get(t, s, img.ID)
	assert.True(t, got.Deleted)
	assert.Equal(t, "alice", got.DeletedBy)
	require.NotNil(t, got.DeletedAt)
	assert.WithinDuration(t, at, *got.DeletedAt, time.Millisecond)
	assert.Equal(t, img.Image, got.Image, "tombstones keep their body")

	applied, err = s.ApplyDelete(ctx, img.ID, "alice", at)
	require.NoError(t, err)
	assert.False(t, applied)

	seen := create(t, s, newMessage("alice", "bob", time.Second))
	_, err = s.MarkSeen(ctx, "bob", seen.ID)
	require.NoError(t, err)
	applied, err = s.ApplyDelete(ctx, seen.ID, "alice", at)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, get(t, s, seen.ID).Deleted)

	_, err = s.ApplyDelete(ctx, uuid.NewString(), "alice", at)
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func testCountUnseen(t *testing.T, s chat.Store) {
	ctx := context.Background()
	create(t, s, newMessage("alice", "bob", 0))
	create(t, s, newMessage("alice", "bob", time.Second))
	seen := create(t, s, newMessage("alice", "bob", 2*time.Second))
	create(t, s, newMessage("carol", "bob", 3*time.Second))
	gone := create(t, s, newMessage("carol", "bob", 4*time.Second))
	create(t, s, newMessage("bob", "alice", 5*time.Second))

	_, err := s.MarkSeen(ctx, "bob", seen.ID)
	require.NoError(t, err)
	_, err = s.ApplyDelete(ctx, gone.ID, "carol", base)
	require.NoError(t, err)

	counts, err := s.CountUnseen(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 2, "carol": 1}, counts)

	counts, err = s.CountUnseen(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, counts)
}
