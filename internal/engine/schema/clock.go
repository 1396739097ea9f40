package schema

import (
	"sync"
	"time"
)

// Clock hands out operation timestamps for one device.
//
// Timestamps follow physical time but never repeat or go backwards on a
// device, and they are pushed past every remote timestamp the device has
// observed. An operation authored after seeing a remote write therefore
// always orders after it, even with modest clock skew between devices.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithSource creates a clock backed by a custom time source.
// Tests use it to pin physical time.
func NewClockWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns max(physical now, last issued + 1ns).
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Observe advances the clock so later timestamps order after ts.
func (c *Clock) Observe(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.After(c.last) {
		c.last = ts.UTC().Round(0)
	}
}

// Last returns the most recent timestamp issued or observed.
func (c *Clock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
