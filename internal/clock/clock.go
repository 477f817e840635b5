// Package clock provides the logical sequence clock used to order ledger
// entries, and the time and sleep hooks every blocking component takes so
// tests can run without real delays.
package clock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Seq is a monotonic logical clock. Every compensation entry is stamped
// with a strictly increasing value from Next, so ordering never depends on
// wall-clock time.
//
// Seq is safe for concurrent use.
type Seq struct {
	seq atomic.Int64
}

// NewSeq creates a clock starting at 0.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt creates a clock resuming after start. Used when reopening a
// durable store.
func NewSeqAt(start int64) *Seq {
	c := &Seq{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Seq) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Seq) Current() int64 {
	return c.seq.Load()
}

// Now returns the current time.
type Now func() time.Time

// System returns time.Now in UTC.
func System() time.Time {
	return time.Now().UTC()
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper. It returns immediately for non-positive
// durations and wraps the context error on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
