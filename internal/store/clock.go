package store

import "sync/atomic"

// Clock is the store's monotonic logical clock.
//
// Every local mutation and every applied remote change is stamped with a
// strictly increasing value from this clock. The value doubles as the
// operation log sequence number. The current value is persisted in meta
// inside the same transaction that consumed it.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations), but
// only the writer advances it.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used on open to resume from the persisted position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// reset rewinds the clock after a rolled back transaction.
func (c *Clock) reset(to int64) {
	c.seq.Store(to)
}
