package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"pairchat/internal/chat"
	"pairchat/internal/metrics"
	"pairchat/internal/presence"
	"pairchat/internal/store/memstore"
	"pairchat/internal/user"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recorder is a presence.Conn that keeps every frame it is handed.
type recorder struct {
	mu     sync.Mutex
	frames []chat.Inbound
}

func (r *recorder) Deliver(frame []byte) error {
	var env chat.Inbound
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, env)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Event
	}
	return out
}

// only returns the frames for event, decoding each payload into a new T.
func only[T any](t *testing.T, r *recorder, event string) []T {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, f := range r.frames {
		if f.Event != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(f.Payload, &v))
		out = append(out, v)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

type directory []user.User

func (d directory) ListOthers(_ context.Context, id string) ([]user.User, error) {
	var out []user.User
	for _, u := range d {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out, nil
}

type fixture struct {
	store    *memstore.Store
	registry *presence.Registry
	notify   *chat.Dispatcher
	service  *chat.Service
	clock    *testclock.Clock
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		clock:   testclock.NewClock(epoch),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.registry = presence.NewRegistry(f.metrics)
	f.notify = chat.NewDispatcher(f.registry, f.metrics)
	users := directory{
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob"},
		{ID: "carol", Username: "carol"},
	}
	f.service = chat.NewService(f.store, f.registry, f.notify, users, f.clock, f.metrics)
	return f
}

func (f *fixture) connect(user string) *recorder {
	r := &recorder{}
	f.registry.Register(user, r)
	return r
}

func (f *fixture) stored(t *testing.T, id string) *chat.Message {
	t.Helper()
	msg, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) send(t *testing.T, from, to, text string) *chat.Message {
	t.Helper()
	msg, err := f.service.Send(context.Background(), from, to, chat.Body{Text: text})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return msg
}
