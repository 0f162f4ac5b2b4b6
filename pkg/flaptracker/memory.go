package flaptracker

import (
	"context"
	"sync"
	"time"
)

// record holds one session's transition timestamps in ascending order.
// Each record carries its own lock so writes for distinct sessions never
// contend.
type record struct {
	mu          sync.Mutex
	transitions []time.Time
}

// evict drops timestamps older than cutoff. Caller holds the record lock.
func (r *record) evict(cutoff time.Time) {
	i := 0
	for i < len(r.transitions) && r.transitions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.transitions = append(r.transitions[:0], r.transitions[i:]...)
	}
}

// MemoryStore keeps flap records in process memory with per-key locking.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

func (s *MemoryStore) get(sessionKey string, create bool) *record {
	s.mu.RLock()
	r := s.records[sessionKey]
	s.mu.RUnlock()
	if r != nil || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r = s.records[sessionKey]; r == nil {
		r = &record{}
		s.records[sessionKey] = r
	}
	return r
}

// Record appends a transition and lazily evicts expired entries.
func (s *MemoryStore) Record(_ context.Context, sessionKey string, ts, cutoff time.Time) error {
	r := s.get(sessionKey, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(cutoff)
	r.transitions = append(r.transitions, ts)
	return nil
}

// Count evicts expired entries and returns what remains. A record left empty
// is removed from the map so the store does not grow without bound.
func (s *MemoryStore) Count(_ context.Context, sessionKey string, cutoff time.Time) (int, error) {
	r := s.get(sessionKey, false)
	if r == nil {
		return 0, nil
	}

	r.mu.Lock()
	r.evict(cutoff)
	n := len(r.transitions)
	r.mu.Unlock()

	if n == 0 {
		s.mu.Lock()
		if cur := s.records[sessionKey]; cur == r {
			delete(s.records, sessionKey)
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Sessions returns the keys currently tracked. Used by stats logging.
func (s *MemoryStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
