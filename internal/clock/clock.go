// Package clock hands out server write timestamps.
//
// Every accepted write is stamped with a Clock reservation: a wall-clock
// millisecond that is strictly greater than any earlier reservation. Readers
// use HighWater to find the latest timestamp below which no write can still
// be in flight, so a delta pull bounded by it never misses a late commit.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond clock that tracks uncommitted reservations.
// One Clock must own all writes to a given ledger.
type Clock struct {
	now      func() time.Time
	inflight map[int64]struct{}
	last     int64
	mu       sync.Mutex
}

// New creates a Clock backed by time.Now.
func New() *Clock {
	return NewWithSource(time.Now)
}

// NewWithSource creates a Clock with a custom time source. Used in tests.
func NewWithSource(now func() time.Time) *Clock {
	return &Clock{
		now:      now,
		inflight: make(map[int64]struct{}),
	}
}

// Observe advances the clock past ts, e.g. the newest timestamp already in
// storage at startup.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

// Reserve returns a fresh timestamp greater than floor and every earlier
// reservation. The returned release func must be called once the write using
// it has committed or been abandoned.
func (c *Clock) Reserve(floor int64) (int64, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	if ts <= floor {
		ts = floor + 1
	}
	c.last = ts
	c.inflight[ts] = struct{}{}

	var once sync.Once
	return ts, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, ts)
			c.mu.Unlock()
		})
	}
}

// HighWater returns the largest timestamp t such that every write stamped
// <= t has already finished. Later reservations are guaranteed to be > t.
func (c *Clock) HighWater() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.inflight) == 0 {
		if now := c.now().UnixMilli(); now > c.last {
			c.last = now
		}
		return c.last
	}

	lowest := int64(-1)
	for ts := range c.inflight {
		if lowest == -1 || ts < lowest {
			lowest = ts
		}
	}
	return lowest - 1
}

// Last returns the most recent timestamp handed out or observed.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}
