// Package testutil holds fakes shared by the watcher's package tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a manual clock. Every wait handed out by After is granted at once
// by moving the clock forward, unless OnAfter says otherwise.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration

	// OnAfter runs before a wait is granted. Returning false leaves the wait
	// pending forever, which lets a test cancel during it.
	OnAfter func(d time.Duration) bool
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if c.OnAfter != nil && !c.OnAfter(d) {
		return ch
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	now := c.now
	c.mu.Unlock()
	ch <- now
	return ch
}

// Sleeps returns every granted wait in order.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
