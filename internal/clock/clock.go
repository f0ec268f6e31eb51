// Package clock abstracts the time source used by time-sliced work.
//
// Production code uses Real(); tests inject a Fake so that time budgets are
// deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fake returns a FakeClock initialized to the given time. Time stands still
// until Advance is called, or advances by step on every Now call when step is
// non-zero.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

// Now returns the current fake time, then applies the auto-advance step.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// SetStep makes every Now call advance the clock by d.
func (c *FakeClock) SetStep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

// Budget tracks a time slice. A budget with useLimit=false never expires.
type Budget struct {
	clock    Clock
	start    time.Time
	limit    time.Duration
	useLimit bool
}

// NewBudget starts a time slice of limit on c.
func NewBudget(c Clock, limit time.Duration, useLimit bool) Budget {
	if c == nil {
		c = Real()
	}
	return Budget{clock: c, start: c.Now(), limit: limit, useLimit: useLimit}
}

// Limited reports whether the budget enforces a limit.
func (b Budget) Limited() bool {
	return b.useLimit
}

// Exceeded reports whether the slice has run out.
func (b Budget) Exceeded() bool {
	if !b.useLimit {
		return false
	}
	return b.clock.Now().Sub(b.start) >= b.limit
}

// Elapsed returns time spent in the slice so far.
func (b Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}
