// Package testutil provides deterministic test doubles: a manual clock for
// TTL cache tests and fake host collaborators for evaluator tests.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe manual clock for tests.
//
// Unlike the system clock it only moves when told to, so TTL expiry and
// eviction behavior assert against exact instants.
type DeterministicClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewDeterministicClock creates a clock fixed at the given instant.
func NewDeterministicClock(start time.Time) *DeterministicClock {
	return &DeterministicClock{now: start}
}

// Now returns the current instant.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an exact instant. Used for test reuse.
func (c *DeterministicClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
