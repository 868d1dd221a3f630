package storage

import (
	"context"
	"maps"
	"sync"
)

// staged is the in-memory view shared by every driver. flush receives a
// private copy of the entries and must write all of them.
type staged struct {
	mu      sync.Mutex
	entries map[string]ScheduleEntry
	closed  bool

	// persistMu orders whole snapshot+flush sequences so an older view
	// never overwrites a newer one.
	persistMu sync.Mutex
	flush     func(ctx context.Context, entries map[string]ScheduleEntry) error
}

func newStaged(initial map[string]ScheduleEntry, flush func(context.Context, map[string]ScheduleEntry) error) *staged {
	if initial == nil {
		initial = map[string]ScheduleEntry{}
	}
	return &staged{entries: initial, flush: flush}
}

func (s *staged) LoadAll(ctx context.Context) (map[string]ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return maps.Clone(s.entries), nil
}

func (s *staged) Upsert(ctx context.Context, e ScheduleEntry) error {
	if err := e.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[e.Key()] = e
	return nil
}

func (s *staged) Remove(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *staged) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	snap := maps.Clone(s.entries)
	s.mu.Unlock()

	if s.flush == nil {
		return nil
	}
	return s.flush(ctx, snap)
}

// markClosed returns false if the store was already closed.
func (s *staged) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

type memoryStore struct{ *staged }

// NewMemory returns a store that keeps entries in process memory only.
func NewMemory() Store {
	return memoryStore{newStaged(nil, nil)}
}

func (m memoryStore) Close() error {
	m.markClosed()
	return nil
}
