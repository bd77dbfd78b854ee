package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.RWMutex
	recs   map[string]Record
	closed bool
	now    func() time.Time
}

// NewMemory returns a process-local store, used by tests and dry runs.
func NewMemory() Store {
	return &memoryStore{recs: map[string]Record{}, now: time.Now}
}

func (s *memoryStore) Get(_ context.Context, kind Kind, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.recs[recordID(kind, key)]
	return r, ok, nil
}

func (s *memoryStore) Insert(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := recordID(r.Kind, r.Key)
	if _, ok := s.recs[id]; ok {
		return ErrExists
	}
	s.recs[id] = stamp(r, s.now())
	return nil
}

func (s *memoryStore) Upsert(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.recs[recordID(r.Kind, r.Key)] = stamp(r, s.now())
	return nil
}

func (s *memoryStore) Search(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return searchMap(s.recs, q), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
