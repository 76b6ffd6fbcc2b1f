// Package clock provides the logical timestamps queued operations are
// ordered by. Field devices get their wall clock stepped around (NTP
// corrections, timezone changes), so enqueue order is taken from a
// monotonic reading instead of time.Now alone.
package clock

import (
	"sync"
	"time"
)

// Monotonic hands out millisecond timestamps that never move backwards.
// Readings track the wall clock while it behaves and advance by one
// millisecond per call while it doesn't.
type Monotonic struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewMonotonic creates a clock backed by time.Now.
func NewMonotonic() *Monotonic {
	return &Monotonic{now: time.Now}
}

// NewMonotonicAt creates a clock with an injected time source and a
// floor to resume from. Used in tests and when restoring persisted state.
func NewMonotonicAt(now func() time.Time, last int64) *Monotonic {
	return &Monotonic{now: now, last: last}
}

// Now returns the next timestamp in ms since epoch, strictly greater
// than every previous return value.
func (c *Monotonic) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.now().UnixMilli()
	if n <= c.last {
		c.last++
		return c.last
	}
	c.last = n
	return n
}

// Observe advances the clock past an externally seen timestamp, so that
// later local readings sort after it.
func (c *Monotonic) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
