// Package memstore keeps messages in process memory. It backs tests and
// single-process deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"pairchat/internal/chat"
)

type Store struct {
	mu       sync.RWMutex
	messages map[string]*chat.Message
	order    map[string]uint64
	seq      uint64
}

var _ chat.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		messages: make(map[string]*chat.Message),
		order:    make(map[string]uint64),
	}
}

func (s *Store) Create(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return errors.AlreadyExistsf("message %q", msg.ID)
	}
	s.seq++
	s.messages[msg.ID] = msg.Clone()
	s.order[msg.ID] = s.seq
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, errors.NotFoundf("message %q", id)
	}
	return msg.Clone(), nil
}

func (s *Store) ListBetween(_ context.Context, a, b string) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*chat.Message
	for _, m := range s.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return errors.NotFoundf("message %q", id)
	}
	msg.Delivered = true
	return nil
}

func (s *Store) MarkSeen(_ context.Context, viewer string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.Receiver != viewer || msg.Deleted {
			continue
		}
		if msg.AddSeen(viewer) {
			changed++
		}
	}
	return changed, nil
}

func (s *Store) ApplyEdit(_ context.Context, id, text string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return false, errors.NotFoundf("message %q", id)
	}
	if msg.Deleted || !msg.Unseen() || msg.IsImage() {
		return false, nil
	}
	msg.Text = text
	msg.Edited = true
	msg.EditedAt = &at
	return true, nil
}

func (s *Store) ApplyDelete(_ context.Context, id, actor string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return false, errors.NotFoundf("message %q", id)
	}
	if msg.Deleted || !msg.Unseen() {
		return false, nil
	}
	msg.Deleted = true
	msg.DeletedBy = actor
	msg.DeletedAt = &at
	return true, nil
}

func (s *Store) CountUnseen(_ context.Context, receiver string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, m := range s.messages {
		if m.Receiver == receiver && !m.Deleted && !m.SeenByUser(receiver) {
			counts[m.Sender]++
		}
	}
	return counts, nil
}
