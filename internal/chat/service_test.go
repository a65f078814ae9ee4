package chat_test

import (
	"context"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/internal/chat"
	"pairchat/internal/metrics"
	"pairchat/internal/store/memstore"
)

func TestSendToOfflineReceiver(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")

	msg := f.send(t, "alice", "bob", "hi")

	got := f.stored(t, msg.ID)
	assert.False(t, got.Delivered)
	assert.Empty(t, got.SeenBy)
	assert.Equal(t, epoch, got.CreatedAt)
	assert.Empty(t, alice.events(), "no delivery, no event")
	assert.Zero(t, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues(metrics.Delivered)))
}

func TestSendToOnlineReceiver(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.connect("alice"), f.connect("bob")

	msg := f.send(t, "alice", "bob", "hi")

	got := f.stored(t, msg.ID)
	assert.True(t, got.Delivered)
	assert.Empty(t, got.SeenBy)

	assert.Equal(t, []string{chat.EventNewMessage}, bob.events())
	received := only[chat.Message](t, bob, chat.EventNewMessage)
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID, received[0].ID)
	assert.Equal(t, "hi", received[0].Text)
	assert.True(t, received[0].Delivered)

	assert.Equal(t, []string{chat.EventMessageDelivered}, alice.events())
	assert.Equal(t, []string{msg.ID}, only[string](t, alice, chat.EventMessageDelivered))
}

func TestSendIntoOpenChatIsSeenAtOnce(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.connect("alice"), f.connect("bob")
	require.True(t, f.registry.SetActiveChat("bob", "alice"))

	msg := f.send(t, "alice", "bob", "hi")

	got := f.stored(t, msg.ID)
	assert.True(t, got.Delivered)
	assert.Equal(t, []string{"bob"}, got.SeenBy)

	assert.Equal(t, []string{chat.EventNewMessage, chat.EventReceivedInActiveChat}, bob.events())
	newMsg := only[chat.Message](t, bob, chat.EventNewMessage)[0]
	assert.Equal(t, []string{"bob"}, newMsg.SeenBy, "the receiver never sees a delivered-only state")
	assert.Equal(t, []chat.ReceivedInActiveChat{{MessageID: msg.ID, Sender: "alice"}},
		only[chat.ReceivedInActiveChat](t, bob, chat.EventReceivedInActiveChat))

	assert.Equal(t, []string{chat.EventMessageDelivered, chat.EventSeenByReceiver}, alice.events())
	assert.Equal(t, []chat.SeenByReceiver{{MessageID: msg.ID, Receiver: "bob"}},
		only[chat.SeenByReceiver](t, alice, chat.EventSeenByReceiver))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Transitions.WithLabelValues(metrics.Seen)))
}

func TestSendWhileReceiverHasAnotherChatOpen(t *testing.T) {
	f := newFixture(t)
	f.connect("alice")
	bob := f.connect("bob")
	f.registry.SetActiveChat("bob", "carol")

	msg := f.send(t, "alice", "bob", "hi")

	assert.Empty(t, f.stored(t, msg.ID).SeenBy)
	assert.Equal(t, []string{chat.EventNewMessage}, bob.events())
}

func TestSendRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, tc := range map[string]struct {
		to   string
		body chat.Body
	}{
		"both":        {"bob", chat.Body{Text: "hi", Image: "https://img.example/x.png"}},
		"neither":     {"bob", chat.Body{}},
		"blank text":  {"bob", chat.Body{Text: "   "}},
		"to self":     {"alice", chat.Body{Text: "hi"}},
		"no receiver": {"", chat.Body{Text: "hi"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Send(ctx, "alice", tc.to, tc.body)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
		})
	}

	msgs, err := f.store.ListBetween(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs, "failed sends write nothing")
}

func TestSendImage(t *testing.T) {
	f := newFixture(t)
	msg, err := f.service.Send(context.Background(), "alice", "bob", chat.Body{Image: " https://img.example/cat.png "})
	require.NoError(t, err)
	got := f.stored(t, msg.ID)
	assert.Equal(t, "https://img.example/cat.png", got.Image)
	assert.Empty(t, got.Text)
}

func TestConversationMarksInboundSeenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.send(t, "alice", "bob", "one")
	second := f.send(t, "alice", "bob", "two")
	reply := f.send(t, "bob", "alice", "mine")

	alice := f.connect("alice")
	f.connect("bob")

	msgs, err := f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{first.ID, second.ID, reply.ID}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, []string{"bob"}, msgs[0].SeenBy)
	assert.Equal(t, []string{"bob"}, msgs[1].SeenBy)
	assert.Empty(t, msgs[2].SeenBy, "outbound messages are untouched")

	assert.Equal(t, []string{"bob"}, f.stored(t, first.ID).SeenBy)
	assert.Equal(t, []chat.MessagesSeen{{By: "bob", User: "alice"}},
		only[chat.MessagesSeen](t, alice, chat.EventMessagesSeen))

	alice.reset()
	_, err = f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Empty(t, alice.events(), "nothing changed, nothing sent")
}

func TestConversationFromSenderSideChangesNothing(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hi")
	bob := f.connect("bob")

	msgs, err := f.service.Conversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, f.stored(t, msg.ID).SeenBy)
	assert.Empty(t, bob.events())
}

func TestConversationSkipsTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "alice", "bob", "oops")
	_, err := f.service.Delete(ctx, "alice", msg.ID)
	require.NoError(t, err)
	alice := f.connect("alice")

	msgs, err := f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
	assert.Empty(t, msgs[0].SeenBy)
	assert.Empty(t, alice.events())
}

func TestConversationNeedsPeer(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Conversation(context.Background(), "bob", "")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestEditBeforeAndAfterSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")
	msg := f.send(t, "alice", "bob", "helo")
	alice.reset()
	bob.reset()

	edited, err := f.service.Edit(ctx, "alice", msg.ID, "hello")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, epoch.Add(time.Second), *edited.EditedAt)

	got := f.stored(t, msg.ID)
	assert.Equal(t, "hello", got.Text)
	assert.True(t, got.Edited)

	for _, r := range []*recorder{alice, bob} {
		events := only[chat.MessageEdited](t, r, chat.EventMessageEdited)
		require.Len(t, events, 1)
		assert.Equal(t, msg.ID, events[0].ID)
		assert.Equal(t, "hello", events[0].Text)
		assert.True(t, events[0].Edited)
	}

	_, err = f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)

	_, err = f.service.Edit(ctx, "alice", msg.ID, "hello!!")
	assert.True(t, errors.Is(err, chat.ErrConflict), "got %v", err)
	assert.Equal(t, "hello", f.stored(t, msg.ID).Text)
}

func TestEditRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := f.send(t, "alice", "bob", "hi")
	img, err := f.service.Send(ctx, "alice", "bob", chat.Body{Image: "https://img.example/a.png"})
	require.NoError(t, err)

	_, err = f.service.Edit(ctx, "bob", text.ID, "hijack")
	assert.True(t, errors.Is(err, errors.Unauthorized), "got %v", err)

	_, err = f.service.Edit(ctx, "alice", img.ID, "caption")
	assert.True(t, errors.Is(err, chat.ErrConflict), "got %v", err)

	_, err = f.service.Edit(ctx, "alice", text.ID, "  ")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = f.service.Edit(ctx, "alice", "no-such-id", "x")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	got := f.stored(t, text.ID)
	assert.Equal(t, "hi", got.Text)
	assert.False(t, got.Edited)
}

func TestDeleteImageMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")
	img, err := f.service.Send(ctx, "alice", "bob", chat.Body{Image: "https://img.example/b.png"})
	require.NoError(t, err)
	alice.reset()
	bob.reset()

	_, err = f.service.Delete(ctx, "bob", img.ID)
	assert.True(t, errors.Is(err, errors.Unauthorized), "got %v", err)

	deleted, err := f.service.Delete(ctx, "alice", img.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, "alice", deleted.DeletedBy)

	want := chat.MessageDeleted{MessageID: img.ID, ChatBetween: [2]string{"alice", "bob"}, DeletedBy: "alice"}
	assert.Equal(t, []chat.MessageDeleted{want}, only[chat.MessageDeleted](t, alice, chat.EventMessageDeleted))
	assert.Equal(t, []chat.MessageDeleted{want}, only[chat.MessageDeleted](t, bob, chat.EventMessageDeleted))

	msgs, err := f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
	assert.Equal(t, "https://img.example/b.png", msgs[0].Image, "body is retained")

	_, err = f.service.Delete(ctx, "alice", img.ID)
	assert.True(t, errors.Is(err, chat.ErrConflict), "got %v", err)
}

func TestDeleteAfterSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "alice", "bob", "hi")
	require.NoError(t, f.service.MarkSeen(ctx, msg.ID, "bob"))

	_, err := f.service.Delete(ctx, "alice", msg.ID)
	assert.True(t, errors.Is(err, chat.ErrConflict), "got %v", err)
	assert.False(t, f.stored(t, msg.ID).Deleted)

	_, err = f.service.Delete(ctx, "alice", "no-such-id")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

// seenAfterRead marks every message seen by its receiver right after the
// coordinator loads it, so the conditional write that follows misses.
type seenAfterRead struct {
	*memstore.Store
}

func (s seenAfterRead) Get(ctx context.Context, id string) (*chat.Message, error) {
	msg, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.MarkSeen(ctx, msg.Receiver, id); err != nil {
		return nil, err
	}
	return msg, nil
}

func TestEditAndDeleteLoseRaceToSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice")
	edit := f.send(t, "alice", "bob", "first")
	del := f.send(t, "alice", "bob", "second")
	alice.reset()

	racing := chat.NewService(seenAfterRead{f.store}, f.registry, f.notify, directory{}, f.clock, f.metrics)

	_, err := racing.Edit(ctx, "alice", edit.ID, "changed")
	assert.ErrorIs(t, err, chat.ErrConflict)
	assert.Equal(t, http.StatusConflict, chat.StatusOf(err))
	assert.NotContains(t, err.Error(), "%!")
	got := f.stored(t, edit.ID)
	assert.Equal(t, "first", got.Text)
	assert.False(t, got.Edited)

	_, err = racing.Delete(ctx, "alice", del.ID)
	assert.ErrorIs(t, err, chat.ErrConflict)
	assert.Equal(t, http.StatusConflict, chat.StatusOf(err))
	assert.False(t, f.stored(t, del.ID).Deleted)

	assert.Empty(t, only[chat.MessageEdited](t, alice, chat.EventMessageEdited))
	assert.Empty(t, only[chat.MessageDeleted](t, alice, chat.EventMessageDeleted))
}

// deletedAfterList tombstones one message between the history read and
// the bulk mark-seen.
type deletedAfterList struct {
	*memstore.Store
	victim string
	at     time.Time
}

func (s deletedAfterList) ListBetween(ctx context.Context, a, b string) ([]*chat.Message, error) {
	msgs, err := s.Store.ListBetween(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.ApplyDelete(ctx, s.victim, "alice", s.at); err != nil {
		return nil, err
	}
	return msgs, nil
}

func TestConversationReportsStoredStateAfterRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kept := f.send(t, "alice", "bob", "kept")
	gone := f.send(t, "alice", "bob", "gone")

	racing := chat.NewService(deletedAfterList{Store: f.store, victim: gone.ID, at: f.clock.Now()},
		f.registry, f.notify, directory{}, f.clock, f.metrics)

	msgs, err := racing.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, kept.ID, msgs[0].ID)
	assert.Equal(t, []string{"bob"}, msgs[0].SeenBy)
	assert.Equal(t, gone.ID, msgs[1].ID)
	assert.True(t, msgs[1].Deleted)
	assert.Empty(t, msgs[1].SeenBy)
	assert.Empty(t, f.stored(t, gone.ID).SeenBy)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect("alice")
	msg := f.send(t, "alice", "bob", "hi")

	require.NoError(t, f.service.MarkSeen(ctx, msg.ID, "bob"))
	require.NoError(t, f.service.MarkSeen(ctx, msg.ID, "bob"))
	assert.Equal(t, []string{"bob"}, f.stored(t, msg.ID).SeenBy)
	assert.Empty(t, alice.events(), "single mark-seen emits nothing")

	err := f.service.MarkSeen(ctx, msg.ID, "carol")
	assert.True(t, errors.Is(err, errors.Unauthorized), "got %v", err)
	err = f.service.MarkSeen(ctx, msg.ID, "alice")
	assert.True(t, errors.Is(err, errors.Unauthorized), "got %v", err)
	err = f.service.MarkSeen(ctx, "no-such-id", "bob")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

// Random interleavings of every operation never shrink seenBy and never
// add anyone but the receiver.
func TestSeenByOnlyGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	users := []string{"alice", "bob", "carol"}
	pick := func() string { return users[rng.Intn(len(users))] }

	var ids []string
	sizes := map[string]int{}
	for step := 0; step < 400; step++ {
		a, b := pick(), pick()
		switch rng.Intn(7) {
		case 0:
			if msg, err := f.service.Send(ctx, a, b, chat.Body{Text: "x"}); err == nil {
				ids = append(ids, msg.ID)
			}
		case 1:
			_, _ = f.service.Conversation(ctx, a, b)
		case 2:
			f.registry.Register(a, &recorder{})
		case 3:
			f.registry.SetActiveChat(a, b)
		case 4:
			f.registry.Unregister(a)
		}
		if len(ids) == 0 {
			continue
		}
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			_ = f.service.MarkSeen(ctx, id, a)
		case 1:
			_, _ = f.service.Edit(ctx, a, id, "y")
		case 2:
			_, _ = f.service.Delete(ctx, a, id)
		}

		for _, id := range ids {
			msg := f.stored(t, id)
			require.LessOrEqual(t, len(msg.SeenBy), 1)
			if len(msg.SeenBy) == 1 {
				require.Equal(t, msg.Receiver, msg.SeenBy[0])
			}
			require.GreaterOrEqual(t, len(msg.SeenBy), sizes[id])
			sizes[id] = len(msg.SeenBy)
		}
	}
}

func TestRelayTyping(t *testing.T) {
	f := newFixture(t)
	bob := f.connect("bob")

	assert.True(t, f.service.RelayTyping("alice", "bob", true))
	assert.True(t, f.service.RelayTyping("alice", "bob", false))
	assert.False(t, f.service.RelayTyping("alice", "carol", true), "offline receivers are skipped")
	assert.False(t, f.service.RelayTyping("bob", "bob", true))

	assert.Equal(t, []string{chat.EventUserTyping, chat.EventUserStopTyping}, bob.events())
	assert.Equal(t, []chat.Typing{{Sender: "alice"}}, only[chat.Typing](t, bob, chat.EventUserTyping))
}

func TestRelaySeenAck(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")

	ok := f.service.RelaySeenAck("bob", chat.SeenAckSignal{MessageID: "m1", Receiver: "mallory", Sender: "alice"})
	assert.True(t, ok)
	assert.Equal(t, []chat.SeenByReceiver{{MessageID: "m1", Receiver: "bob"}},
		only[chat.SeenByReceiver](t, alice, chat.EventSeenByReceiver), "receiver is the acking connection")

	assert.False(t, f.service.RelaySeenAck("bob", chat.SeenAckSignal{Sender: "alice"}))
}

func TestSidebarCountsUnseen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "alice", "bob", "1")
	f.send(t, "alice", "bob", "2")
	gone := f.send(t, "carol", "bob", "3")
	f.send(t, "bob", "alice", "4")
	_, err := f.service.Delete(ctx, "carol", gone.ID)
	require.NoError(t, err)

	sidebar, err := f.service.Sidebar(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, sidebar.Users, 2)
	assert.Equal(t, "alice", sidebar.Users[0].ID)
	assert.Equal(t, "carol", sidebar.Users[1].ID)
	assert.Equal(t, map[string]int{"alice": 2}, sidebar.UnseenMessages)

	_, err = f.service.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	sidebar, err = f.service.Sidebar(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, sidebar.UnseenMessages)
}

func TestTransitionsAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect("bob")
	msg := f.send(t, "alice", "bob", "hi")
	other := f.send(t, "alice", "bob", "bye")
	_, err := f.service.Edit(ctx, "alice", msg.ID, "hey")
	require.NoError(t, err)
	_, err = f.service.Delete(ctx, "alice", other.ID)
	require.NoError(t, err)

	count := func(kind string) float64 {
		return testutil.ToFloat64(f.metrics.Transitions.WithLabelValues(kind))
	}
	assert.Equal(t, float64(2), count(metrics.Sent))
	assert.Equal(t, float64(2), count(metrics.Delivered))
	assert.Equal(t, float64(1), count(metrics.Edited))
	assert.Equal(t, float64(1), count(metrics.Deleted))
	assert.Zero(t, count(metrics.Seen))
}
