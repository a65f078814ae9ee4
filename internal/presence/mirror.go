package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultOnlineKey     = "pairchat:online"
	DefaultOnlineChannel = "pairchat:presence"
)

// RedisMirror copies the online set into Redis on every change and
// publishes it on a channel. Nothing in this process reads it back.
//
// Writes happen on the mirror's own goroutine so a slow Redis never holds
// up the registry. Only the latest snapshot is kept; intermediate ones are
// skipped.
type RedisMirror struct {
	rdb     *redis.Client
	key     string
	channel string
	timeout time.Duration

	pending chan []string
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewRedisMirror(rdb *redis.Client, key, channel string) *RedisMirror {
	if key == "" {
		key = DefaultOnlineKey
	}
	if channel == "" {
		channel = DefaultOnlineChannel
	}
	m := &RedisMirror{
		rdb:     rdb,
		key:     key,
		channel: channel,
		timeout: 2 * time.Second,
		pending: make(chan []string, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()
	return m
}

// OnlineChanged queues online for mirroring, replacing any snapshot not
// yet written. It never blocks on Redis.
func (m *RedisMirror) OnlineChanged(online []string) {
	for {
		select {
		case m.pending <- online:
			return
		default:
		}
		select {
		case <-m.pending:
		default:
		}
	}
}

func (m *RedisMirror) loop() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			return
		case online := <-m.pending:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			if err := m.Sync(ctx, online); err != nil {
				logger.Warningf("presence mirror: %v", err)
			}
			cancel()
		}
	}
}

// Close stops the mirror goroutine, waiting for an in-flight write.
func (m *RedisMirror) Close() error {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
	return nil
}

// Sync replaces the mirrored set with online and announces it.
func (m *RedisMirror) Sync(ctx context.Context, online []string) error {
	payload, err := json.Marshal(online)
	if err != nil {
		return errors.Trace(err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, m.key)
	if len(online) > 0 {
		members := make([]interface{}, len(online))
		for i, u := range online {
			members[i] = u
		}
		pipe.SAdd(ctx, m.key, members...)
	}
	pipe.Publish(ctx, m.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Annotate(err, "syncing online set")
	}
	return nil
}

// Clear drops the mirrored set; used on shutdown since presence does not
// survive a restart.
func (m *RedisMirror) Clear(ctx context.Context) error {
	return errors.Trace(m.rdb.Del(ctx, m.key).Err())
}
