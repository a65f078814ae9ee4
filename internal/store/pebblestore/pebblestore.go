// Package pebblestore is a single-node durable message store on Pebble.
//
// Key layout:
//
//	m\x00<id>                                  → JSON message
//	p\x00<lo>\x00<hi>\x00<createdAt>\x00<seq>  → id   (lo/hi = sorted pair)
//	u\x00<receiver>\x00<sender>\x00<id>        → ""   (unseen, not deleted)
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"pairchat/internal/chat"
)

var logger = loggo.GetLogger("pairchat.store.pebble")

const sep = 0x00

var (
	msgPrefix    = []byte{'m', sep}
	pairPrefix   = []byte{'p', sep}
	unseenPrefix = []byte{'u', sep}
	seqKey       = []byte("meta\x00seq")
)

type Store struct {
	db *pebble.DB

	// mu serialises read-modify-write cycles; Pebble batches make each
	// cycle's writes atomic.
	mu  sync.Mutex
	seq uint64
}

var _ chat.Store = (*Store)(nil)

// Open opens (or creates) a store at path. opts may be nil.
func Open(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "opening pebble at %q", path)
	}
	s := &Store{db: db}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		s.seq = binary.BigEndian.Uint64(v)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, errors.Annotate(err, "reading sequence")
	}
	logger.Infof("pebble store open at %q (seq %d)", path, s.seq)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(id string) []byte {
	return append(append([]byte{}, msgPrefix...), id...)
}

func pairBase(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	k := append([]byte{}, pairPrefix...)
	k = append(k, a...)
	k = append(k, sep)
	k = append(k, b...)
	return append(k, sep)
}

func pairKey(msg *chat.Message, seq uint64) []byte {
	k := pairBase(msg.Sender, msg.Receiver)
	k = binary.BigEndian.AppendUint64(k, uint64(msg.CreatedAt.UnixNano()))
	k = append(k, sep)
	return binary.BigEndian.AppendUint64(k, seq)
}

func unseenBase(receiver string) []byte {
	k := append([]byte{}, unseenPrefix...)
	k = append(k, receiver...)
	return append(k, sep)
}

func unseenKey(msg *chat.Message) []byte {
	k := unseenBase(msg.Receiver)
	k = append(k, msg.Sender...)
	k = append(k, sep)
	return append(k, msg.ID...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) load(id string) (*chat.Message, error) {
	v, closer, err := s.db.Get(messageKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.NotFoundf("message %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closer.Close()
	var msg chat.Message
	if err := json.Unmarshal(v, &msg); err != nil {
		return nil, errors.Annotatef(err, "decoding message %q", id)
	}
	if msg.SeenBy == nil {
		msg.SeenBy = []string{}
	}
	return &msg, nil
}

func putMessage(b *pebble.Batch, msg *chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Trace(err)
	}
	return b.Set(messageKey(msg.ID), data, nil)
}

func (s *Store) Create(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(msg.ID); err == nil {
		return errors.AlreadyExistsf("message %q", msg.ID)
	} else if !errors.Is(err, errors.NotFound) {
		return err
	}

	s.seq++
	seq := binary.BigEndian.AppendUint64(nil, s.seq)

	b := s.db.NewBatch()
	defer b.Close()
	if err := putMessage(b, msg); err != nil {
		return err
	}
	if err := b.Set(pairKey(msg, s.seq), []byte(msg.ID), nil); err != nil {
		return errors.Trace(err)
	}
	if err := b.Set(unseenKey(msg), nil, nil); err != nil {
		return errors.Trace(err)
	}
	if err := b.Set(seqKey, seq, nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.Commit(pebble.Sync))
}

func (s *Store) Get(_ context.Context, id string) (*chat.Message, error) {
	return s.load(id)
}

func (s *Store) ListBetween(_ context.Context, a, b string) ([]*chat.Message, error) {
	prefix := pairBase(a, b)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer iter.Close()

	var out []*chat.Message
	for iter.First(); iter.Valid(); iter.Next() {
		msg, err := s.load(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, errors.Trace(iter.Error())
}

// update loads a message, lets fn change it and writes it back together
// with whatever extra keys fn staged on the batch. fn returns false to
// leave the record untouched.
func (s *Store) update(id string, fn func(msg *chat.Message, b *pebble.Batch) (bool, error)) (bool, error) {
	msg, err := s.load(id)
	if err != nil {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	changed, err := fn(msg, b)
	if err != nil || !changed {
		return false, err
	}
	if err := putMessage(b, msg); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.update(id, func(msg *chat.Message, _ *pebble.Batch) (bool, error) {
		if msg.Delivered {
			return false, nil
		}
		msg.Delivered = true
		return true, nil
	})
	return err
}

func (s *Store) MarkSeen(_ context.Context, viewer string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		ok, err := s.update(id, func(msg *chat.Message, b *pebble.Batch) (bool, error) {
			if msg.Receiver != viewer || msg.Deleted || !msg.AddSeen(viewer) {
				return false, nil
			}
			return true, b.Delete(unseenKey(msg), nil)
		})
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (s *Store) ApplyEdit(_ context.Context, id, text string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(msg *chat.Message, _ *pebble.Batch) (bool, error) {
		if msg.Deleted || !msg.Unseen() || msg.IsImage() {
			return false, nil
		}
		msg.Text = text
		msg.Edited = true
		msg.EditedAt = &at
		return true, nil
	})
}

func (s *Store) ApplyDelete(_ context.Context, id, actor string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(msg *chat.Message, b *pebble.Batch) (bool, error) {
		if msg.Deleted || !msg.Unseen() {
			return false, nil
		}
		msg.Deleted = true
		msg.DeletedBy = actor
		msg.DeletedAt = &at
		return true, b.Delete(unseenKey(msg), nil)
	})
}

func (s *Store) CountUnseen(_ context.Context, receiver string) (map[string]int, error) {
	prefix := unseenBase(receiver)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer iter.Close()

	counts := make(map[string]int)
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefix):]
		i := bytes.IndexByte(rest, sep)
		if i < 0 {
			continue
		}
		counts[string(rest[:i])]++
	}
	return counts, errors.Trace(iter.Error())
}
