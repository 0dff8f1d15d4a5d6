// Package memstore is an in-process coordstore.Store, used by tests and by
// single-broker development clusters where no external coordination service
// is worth standing up. It implements the exact same CAS/TTL contract as
// raftstore so LeaseManager is oblivious to which backend it's talking to.
package memstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
)

type Store struct {
	mu      sync.Mutex
	entries map[string]coordstore.Entry
	now     func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entries: make(map[string]coordstore.Entry),
		now:     time.Now,
	}
}

func (s *Store) liveLocked(key string) (coordstore.Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return coordstore.Entry{}, false
	}
	if !e.ExpiresAt.IsZero() && s.now().After(e.ExpiresAt) {
		delete(s.entries, key)
		return coordstore.Entry{}, false
	}
	return e, true
}

func (s *Store) Get(ctx context.Context, key string) (coordstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return coordstore.Entry{}, coordstore.ErrNotFound
	}
	return e, nil
}

func (s *Store) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.liveLocked(key)
	var curVal []byte
	if ok {
		curVal = cur.Value
	}
	if expected == nil && ok {
		return coordstore.ErrCASMismatch
	}
	if expected != nil && (!ok || !bytes.Equal(curVal, expected)) {
		return coordstore.ErrCASMismatch
	}
	entry := coordstore.Entry{Value: newValue}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := coordstore.Entry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]coordstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]coordstore.Entry)
	for k := range s.entries {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if e, ok := s.liveLocked(k); ok {
			out[k] = e
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
