package avsync

import (
	"sync"
	"time"
)

// Clock is a master time reference measured from an arbitrary origin.
type Clock interface {
	Now() time.Duration
}

// MonotonicClock reads Go's monotonic clock relative to its creation.
type MonotonicClock struct {
	origin time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{origin: time.Now()}
}

func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.origin)
}

// WallClock reads wall time with the monotonic reading stripped, so it
// follows system clock adjustments.
type WallClock struct {
	origin time.Time
}

func NewWallClock() *WallClock {
	return &WallClock{origin: time.Now().Round(0)}
}

func (c *WallClock) Now() time.Duration {
	return time.Now().Round(0).Sub(c.origin)
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManualClock(start time.Duration) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

func (c *ManualClock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
