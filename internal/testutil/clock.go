package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe fake wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by
// step, so successive writes get distinct, increasing timestamps while runs
// stay reproducible. A zero step freezes time until Advance or Set.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Epoch is the default start of a Clock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock creates a clock starting at start.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current instant and advances the clock by its step.
// Suitable as a store.WithNow or server.WithNow function.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
