// Package ctxloss counts hardware-context losses per device. A driver
// reads the counter before suspending and again after resuming; any
// difference means context was lost and must be restored. The counter
// wraps to 0 on overflow, so callers compare for inequality, never for
// magnitude.
package ctxloss

import (
	"sync"
	"sync/atomic"
)

// Tracker maintains one wrapping loss counter per device. Devices are
// registered lazily on first query or first loss event.
type Tracker struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint32
}

func NewTracker() *Tracker {
	return &Tracker{
		counters: make(map[string]*atomic.Uint32),
	}
}

// NotifyLoss records one context-loss event for the device and returns the
// new counter value. Concurrent notifications are never lost; the uint32
// wraps to 0 past its maximum rather than erroring.
func (t *Tracker) NotifyLoss(device string) uint32 {
	return t.counter(device).Add(1)
}

// Count returns the device's current loss counter. Unknown devices are
// registered at 0.
func (t *Tracker) Count(device string) uint32 {
	return t.counter(device).Load()
}

// Devices returns the registered device IDs.
func (t *Tracker) Devices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.counters))
	for d := range t.counters {
		out = append(out, d)
	}
	return out
}

// Counts returns a copy of all counters at one instant.
func (t *Tracker) Counts() map[string]uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]uint32, len(t.counters))
	for d, c := range t.counters {
		out[d] = c.Load()
	}
	return out
}

func (t *Tracker) counter(device string) *atomic.Uint32 {
	t.mu.RLock()
	c := t.counters[device]
	t.mu.RUnlock()
	if c != nil {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c = t.counters[device]; c == nil {
		c = new(atomic.Uint32)
		t.counters[device] = c
	}
	return c
}
