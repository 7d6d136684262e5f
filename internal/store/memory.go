package store

import (
	"context"
	"sync"

	"chatrelay/internal/chat"
)

type memoryStore struct {
	mu    sync.RWMutex
	log   []chat.Message
	byID  map[string]int // id -> index into log
}

func newMemory() *memoryStore {
	return &memoryStore{byID: map[string]int{}}
}

func (s *memoryStore) Append(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.ID]; ok {
		return ErrConflict
	}
	s.byID[msg.ID] = len(s.log)
	s.log = append(s.log, msg)
	return nil
}

func (s *memoryStore) Query(_ context.Context, f Filter) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Message, 0, len(s.log))
	for _, m := range s.log {
		if f.VisibleOnly && !m.Visible {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) GetByID(_ context.Context, id string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	return s.log[idx], nil
}

func (s *memoryStore) SetVisibility(_ context.Context, ids []string, visible bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		idx, ok := s.byID[id]
		if !ok {
			continue
		}
		if s.log[idx].Visible != visible {
			s.log[idx].Visible = visible
			changed++
		}
	}
	return changed, nil
}

func (s *memoryStore) Checkpoint(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }
