package presence

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisMirrorTracksOnlineSet(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	mirror := NewRedisMirror(rdb, "", "")
	t.Cleanup(func() { _ = mirror.Close() })
	r := NewRegistry(mirror)

	mirrored := func(want ...string) func() bool {
		return func() bool {
			members, err := rdb.SMembers(ctx, DefaultOnlineKey).Result()
			return err == nil && assert.ObjectsAreEqual(want, sortedCopy(members))
		}
	}

	r.Register("alice", &nopConn{})
	r.Register("bob", &nopConn{})
	assert.Eventually(t, mirrored("alice", "bob"), 5*time.Second, 10*time.Millisecond)

	r.Unregister("alice")
	assert.Eventually(t, mirrored("bob"), 5*time.Second, 10*time.Millisecond)

	r.Unregister("bob")
	assert.Eventually(t, func() bool {
		n, err := rdb.Exists(ctx, DefaultOnlineKey).Result()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

// silentServer accepts connections and never answers, like a Redis that
// has stopped responding.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestStalledRedisDoesNotBlockRegistry(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         silentServer(t),
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		MaxRetries:   -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := NewRedisMirror(rdb, "", "")
	t.Cleanup(func() { _ = mirror.Close() })
	r := NewRegistry(mirror)

	start := time.Now()
	for i := 0; i < 5; i++ {
		r.Register("alice", &nopConn{})
		r.Unregister("alice")
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestRedisMirrorPublishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := newTestRedis(t)
	mirror := NewRedisMirror(rdb, "online", "presence")
	t.Cleanup(func() { _ = mirror.Close() })

	sub := rdb.Subscribe(ctx, "presence")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, mirror.Sync(ctx, []string{"alice"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `["alice"]`, msg.Payload)

	require.NoError(t, mirror.Clear(ctx))
	n, err := rdb.Exists(ctx, "online").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
