// Package ratelimit bounds how often an event may happen per key within a
// trailing time window.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window log limiter: Allow succeeds for at most Max
// events per key within any trailing Period. It is safe for concurrent use;
// the check and the record happen under one lock.
type Window struct {
	max    int
	period time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewWindow creates a Window. max <= 0 denies every event.
func NewWindow(max int, period time.Duration) *Window {
	return &Window{
		max:    max,
		period: period,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key at now and reports whether it is within
// the limit. Refused events are not recorded.
func (w *Window) Allow(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.live(key, now)
	if len(kept) >= w.max {
		w.store(key, kept)
		return false
	}
	w.events[key] = append(kept, now)
	return true
}

// Release gives back the event Allow recorded for key at at, so a failed
// action does not use up the window. Unknown events are ignored.
func (w *Window) Release(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.events[key]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Equal(at) {
			w.store(key, append(events[:i:i], events[i+1:]...))
			return
		}
	}
}

// Remaining reports how many more events key may record at now.
func (w *Window) Remaining(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.max - len(w.live(key, now))
	if n < 0 {
		return 0
	}
	return n
}

// Prune drops keys with no events inside the window. Returns the number of
// keys removed.
func (w *Window) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key := range w.events {
		kept := w.live(key, now)
		if len(kept) == 0 {
			delete(w.events, key)
			removed++
			continue
		}
		w.events[key] = kept
	}
	return removed
}

// live returns key's events newer than now-period. Caller holds mu.
func (w *Window) live(key string, now time.Time) []time.Time {
	events := w.events[key]
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

func (w *Window) store(key string, events []time.Time) {
	if len(events) == 0 {
		delete(w.events, key)
		return
	}
	w.events[key] = events
}
