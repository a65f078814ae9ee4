package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{ name string }

func (c *nopConn) Deliver([]byte) error { return nil }

type recordingObserver struct {
	mu      sync.Mutex
	changes [][]string
}

func (o *recordingObserver) OnlineChanged(online []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, online)
}

func TestRegisterLastConnectionWins(t *testing.T) {
	r := NewRegistry()
	first, second := &nopConn{"first"}, &nopConn{"second"}

	assert.Nil(t, r.Register("alice", first))
	prev := r.Register("alice", second)
	assert.Same(t, first, prev)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"alice"}, r.OnlineUsers())
}

func TestUnregisterIsNoopWhenAbsent(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs)

	assert.False(t, r.Unregister("ghost"))
	assert.Empty(t, obs.changes)
}

func TestUnregisterClearsActiveChat(t *testing.T) {
	r := NewRegistry()
	r.Register("bob", &nopConn{})
	require.True(t, r.SetActiveChat("bob", "alice"))
	require.True(t, r.IsActiveChatWith("bob", "alice"))

	require.True(t, r.Unregister("bob"))
	assert.False(t, r.IsOnline("bob"))
	assert.False(t, r.IsActiveChatWith("bob", "alice"))

	// a reconnect starts from a fresh record
	r.Register("bob", &nopConn{})
	_, ok := r.ActiveChat("bob")
	assert.False(t, ok)
}

func TestReleaseIgnoresSupersededConnection(t *testing.T) {
	r := NewRegistry()
	old, current := &nopConn{"old"}, &nopConn{"new"}
	r.Register("alice", old)
	r.Register("alice", current)

	assert.False(t, r.Release("alice", old))
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.Release("alice", current))
	assert.False(t, r.IsOnline("alice"))
}

func TestActiveChat(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.SetActiveChat("carol", "dave"), "unregistered users carry no annotation")
	assert.False(t, r.IsActiveChatWith("carol", "dave"))

	r.Register("carol", &nopConn{})
	r.SetActiveChat("carol", "dave")
	assert.True(t, r.IsActiveChatWith("carol", "dave"))
	assert.False(t, r.IsActiveChatWith("carol", "erin"))
	assert.False(t, r.IsActiveChatWith("dave", "carol"))

	r.SetActiveChat("carol", "erin")
	assert.True(t, r.IsActiveChatWith("carol", "erin"))

	r.ClearActiveChat("carol")
	assert.False(t, r.IsActiveChatWith("carol", "erin"))
	assert.True(t, r.IsOnline("carol"))
}

func TestObserversSeeEveryChange(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs)

	r.Register("bob", &nopConn{})
	r.Register("alice", &nopConn{})
	r.SetActiveChat("alice", "bob")
	r.Unregister("bob")

	assert.Equal(t, [][]string{
		{"bob"},
		{"alice", "bob"},
		{"alice"},
	}, obs.changes)
}

func TestConnectionsIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", &nopConn{})

	conns := r.Connections()
	delete(conns, "alice")
	assert.True(t, r.IsOnline("alice"))
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	users := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Register(u, &nopConn{})
				r.SetActiveChat(u, "peer")
				r.IsActiveChatWith(u, "peer")
				r.Unregister(u)
			}
			r.Register(u, &nopConn{})
		}(u)
	}
	wg.Wait()

	assert.Equal(t, users, r.OnlineUsers())
}
