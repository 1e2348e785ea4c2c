package orchestrator

import "sync"

// Clock is the logical clock every stamp in the system derives from. Ticks and
// command handlers draw strictly increasing values from it, so LWW ordering
// never depends on wall time and replays of the same input stream produce the
// same stamps.
type Clock struct {
	mu sync.Mutex
	ts uint64
}

// NewClock returns a clock whose next value is start+1.
func NewClock(start uint64) *Clock {
	return &Clock{ts: start}
}

// Now returns the last issued value without advancing.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Observe merges an externally produced timestamp, so values issued afterwards
// stay ahead of anything already committed.
func (c *Clock) Observe(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.ts {
		c.ts = ts
	}
}
