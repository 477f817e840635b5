package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockSteps(t *testing.T) {
	c := NewClock(time.Time{}, time.Second)

	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Peek())

	c.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(2*time.Second+time.Minute), c.Now())
}

func TestClockConcurrentNowIsUnique(t *testing.T) {
	c := NewClock(time.Time{}, time.Millisecond)
	const goroutines, calls = 20, 50

	var (
		mu   sync.Mutex
		seen = map[time.Time]bool{}
		wg   sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				ts := c.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*calls)
}

func TestSleeperRecordsAndAdvances(t *testing.T) {
	c := NewClock(time.Time{}, 0)
	s := NewSleeper(c)

	require.NoError(t, s.Sleep(context.Background(), 500*time.Millisecond))
	require.NoError(t, s.Sleep(context.Background(), time.Second))

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, s.Delays())
	assert.Equal(t, 1500*time.Millisecond, s.Total())
	assert.Equal(t, Epoch.Add(1500*time.Millisecond), c.Peek())
}

func TestSleeperHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSleeper(nil)
	s.OnSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	require.NoError(t, s.Sleep(ctx, time.Second))
	require.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	require.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, s.Delays(), 2)
}
