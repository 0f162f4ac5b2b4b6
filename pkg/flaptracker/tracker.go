// Package flaptracker tracks BGP session state transitions over a sliding window.
package flaptracker

import (
	"context"
	"log"
	"time"
)

// Store keeps per-session transition timestamps. Implementations must evict
// entries older than cutoff on both paths so records stay bounded by the window.
type Store interface {
	// Record appends a transition timestamp for a session.
	Record(ctx context.Context, sessionKey string, ts, cutoff time.Time) error
	// Count returns the number of transitions at or after cutoff.
	Count(ctx context.Context, sessionKey string, cutoff time.Time) (int, error)
}

// Tracker decides whether a session is flapping: threshold or more
// transitions within the trailing window. A session has no explicit state
// machine; "flapping" is purely a function of the recorded timestamps.
type Tracker struct {
	window    time.Duration
	threshold int
	store     Store
}

// New creates a tracker. A nil store defaults to the in-memory store.
func New(window time.Duration, threshold int, store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{window: window, threshold: threshold, store: store}
}

// RecordTransition registers one observed state transition for a session.
func (t *Tracker) RecordTransition(ctx context.Context, sessionKey string, ts time.Time) {
	cutoff := ts.Add(-t.window)
	if err := t.store.Record(ctx, sessionKey, ts, cutoff); err != nil {
		log.Printf("flaptracker: record %s: %v", sessionKey, err)
	}
}

// IsFlapping reports whether the session's transition count within the
// trailing window meets the threshold. Adding transitions never un-flags a
// flapping session before the window elapses.
func (t *Tracker) IsFlapping(ctx context.Context, sessionKey string, now time.Time) bool {
	count, err := t.store.Count(ctx, sessionKey, now.Add(-t.window))
	if err != nil {
		log.Printf("flaptracker: count %s: %v", sessionKey, err)
		return false
	}
	return count >= t.threshold
}
