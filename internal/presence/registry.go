package presence

import (
	"sort"
	"sync"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("pairchat.presence")

// Conn is the part of a live connection the registry routes to.
// The transport layer owns the connection; the registry only looks it up.
type Conn interface {
	Deliver(frame []byte) error
}

// Observer is told about every change to the online set, in order.
type Observer interface {
	OnlineChanged(online []string)
}

// ObserverFunc adapts a plain function to an Observer.
type ObserverFunc func(online []string)

func (f ObserverFunc) OnlineChanged(online []string) { f(online) }

type record struct {
	conn       Conn
	activeWith string
}

// Registry maps a user to its live connection and to the peer whose chat
// it currently has open. At most one connection per user: last one wins.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	// pubMu serialises mutation+publication so observers see the online
	// set changes in the order they happened.
	pubMu     sync.Mutex
	observers []Observer
}

func NewRegistry(observers ...Observer) *Registry {
	return &Registry{
		records:   make(map[string]*record),
		observers: observers,
	}
}

// Watch adds an observer for online-set changes.
func (r *Registry) Watch(o Observer) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.observers = append(r.observers, o)
}

// Register binds conn to user, superseding (not closing) any previous
// connection. It returns the superseded connection, if any.
func (r *Registry) Register(user string, conn Conn) Conn {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	var prev Conn
	if rec, ok := r.records[user]; ok {
		prev = rec.conn
	}
	r.records[user] = &record{conn: conn}
	online := r.onlineLocked()
	r.mu.Unlock()

	if prev != nil {
		logger.Debugf("connection for %q superseded", user)
	}
	r.publish(online)
	return prev
}

// Unregister removes the user's connection and active-chat annotation.
// It is a no-op if the user is absent.
func (r *Registry) Unregister(user string) bool {
	return r.remove(user, nil)
}

// Release is Unregister guarded by connection identity: the record is only
// removed while conn is still the registered connection for user.
func (r *Registry) Release(user string, conn Conn) bool {
	return r.remove(user, conn)
}

func (r *Registry) remove(user string, conn Conn) bool {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	rec, ok := r.records[user]
	if !ok || (conn != nil && rec.conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(r.records, user)
	online := r.onlineLocked()
	r.mu.Unlock()

	r.publish(online)
	return true
}

// Lookup returns the connection registered for user.
func (r *Registry) Lookup(user string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[user]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// IsOnline reports whether user has a registered connection.
func (r *Registry) IsOnline(user string) bool {
	_, ok := r.Lookup(user)
	return ok
}

// SetActiveChat records that user has peer's conversation open. An empty
// peer clears the annotation. Users without a connection are ignored.
func (r *Registry) SetActiveChat(user, peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[user]
	if !ok {
		return false
	}
	rec.activeWith = peer
	return true
}

func (r *Registry) ClearActiveChat(user string) {
	r.SetActiveChat(user, "")
}

// ActiveChat returns the peer user is currently viewing.
func (r *Registry) ActiveChat(user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[user]
	if !ok || rec.activeWith == "" {
		return "", false
	}
	return rec.activeWith, true
}

// IsActiveChatWith reports whether user currently has peer's chat open.
func (r *Registry) IsActiveChatWith(user, peer string) bool {
	active, ok := r.ActiveChat(user)
	return ok && active == peer
}

// OnlineUsers returns the sorted ids of every registered user.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Connections returns a copy of the user → connection table.
func (r *Registry) Connections() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Conn, len(r.records))
	for user, rec := range r.records {
		out[user] = rec.conn
	}
	return out
}

func (r *Registry) onlineLocked() []string {
	users := make([]string, 0, len(r.records))
	for user := range r.records {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// publish must be called with pubMu held and mu released.
func (r *Registry) publish(online []string) {
	for _, o := range r.observers {
		o.OnlineChanged(append([]string(nil), online...))
	}
}
