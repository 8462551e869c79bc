package ratelimit

import (
	"time"
)

// window is one fixed-window counter record. Guarded by its shard's mutex.
type window struct {
	count int
	end   time.Time
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int           // calls left in the current window, 0 when rejected
	RetryAfter time.Duration // positive when rejected
	WindowEnd  time.Time
}

// Store is a keyed fixed-window counter store shared across all requests.
// Window records are created lazily per key, reset when the renewal period
// elapses, and live only for the process lifetime.
//
// Window boundaries are not smoothed: a burst at the edge of two windows
// can briefly see up to twice the limit. Documented limitation.
type Store struct {
	windows    *shardedMap
	now        func() time.Time
	cleanupInt time.Duration
	stop       chan struct{}
}

// NewStore creates a store and starts its stale-entry janitor.
func NewStore() *Store {
	s := &Store{
		windows:    newShardedMap(),
		now:        time.Now,
		cleanupInt: 5 * time.Minute,
		stop:       make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Admit performs an atomic check-and-increment for key against a quota of
// limit calls per windowDur. The first call for a key opens a window
// [now, now+windowDur) with count 1; calls past the limit are rejected
// with the seconds remaining until the window renews.
func (s *Store) Admit(key string, limit int, windowDur time.Duration) Decision {
	now := s.now()

	sh := s.windows.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.end) {
		// First call for this key, or the renewal period elapsed:
		// open a fresh window with this call counted.
		w = &window{count: 1, end: now.Add(windowDur)}
		sh.windows[key] = w
		return Decision{Allowed: true, Remaining: limit - 1, WindowEnd: w.end}
	}

	w.count++
	if w.count > limit {
		retry := w.end.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{RetryAfter: retry, WindowEnd: w.end}
	}

	return Decision{Allowed: true, Remaining: limit - w.count, WindowEnd: w.end}
}

// Close stops the janitor.
func (s *Store) Close() {
	close(s.stop)
}

// cleanup drops windows that expired long enough ago to be dead keys.
func (s *Store) cleanup() {
	ticker := time.NewTicker(s.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.now()
			s.windows.deleteFunc(func(_ string, w *window) bool {
				return now.Sub(w.end) > s.cleanupInt
			})
		case <-s.stop:
			return
		}
	}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
