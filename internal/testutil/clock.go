// Package testutil holds deterministic time helpers for tests: a stepping
// wall clock and a sleeper that records back-off delays instead of
// waiting.
package testutil

import (
	"context"
	"sync"
	"time"
)

// Epoch is the default start of a Clock.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a deterministic wall clock. Every call to Now advances it by a
// fixed step, so timestamps are strictly increasing and reproducible.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock at start that advances by step per Now call.
// A zero start uses Epoch.
func NewClock(start time.Time, step time.Duration) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start, step: step}
}

// Now returns the current time and advances the clock by one step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Peek returns the current time without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleeper records requested delays and returns immediately. When a Clock
// is attached, each sleep advances it by the delay.
type Sleeper struct {
	mu     sync.Mutex
	clock  *Clock
	delays []time.Duration

	// OnSleep, when set, is called with the 1-based sleep count before
	// Sleep returns. Tests use it to cancel a context mid back-off.
	OnSleep func(n int)
}

// NewSleeper creates a sleeper. clock may be nil.
func NewSleeper(clock *Clock) *Sleeper {
	return &Sleeper{clock: clock}
}

// Sleep implements clock.Sleeper. A done context returns its error
// without recording anything.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	hook := s.OnSleep
	s.mu.Unlock()

	if s.clock != nil {
		s.clock.Advance(d)
	}
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

// Delays returns the recorded delays in order.
func (s *Sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Total returns the sum of the recorded delays.
func (s *Sleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Delays() {
		total += d
	}
	return total
}
