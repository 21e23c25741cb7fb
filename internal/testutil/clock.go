// Package testutil provides shared test helpers.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe settable wall clock for tests.
//
// The scheduler and dispatcher take a `func() time.Time`; pass
// clock.Now and move time explicitly with Advance or Set. This makes
// minute-boundary and retry-delay behavior testable without sleeping.
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// At is shorthand for a clock frozen at "2006-01-02 15:04" in UTC.
// Panics on a malformed value; tests pass literals.
func At(value string) *Clock {
	t, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		panic(err)
	}
	return NewClock(t)
}

// Now returns the current instant. Time does not move on its own.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set jumps the clock to the given instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
