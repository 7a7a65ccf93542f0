package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_EnforcesMinInterval(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1, MinInterval: 50 * time.Millisecond})
	ctx := context.Background()

	var timestamps []time.Time
	for i := 0; i < 3; i++ {
		release, err := g.Acquire(ctx)
		require.NoError(t, err)
		timestamps = append(timestamps, time.Now())
		release()
	}

	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		assert.True(t, gap >= 45*time.Millisecond, "successive dispatches must be spaced by ~MinInterval, got %v", gap)
	}
}

func TestGate_LimitsConcurrency(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1})
	ctx := context.Background()

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(ctx)
			require.NoError(t, err)
			defer release()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestGate_ContextCancellation(t *testing.T) {
	g := NewGate(GateConfig{MaxConcurrent: 1})
	ctx := context.Background()
	release, err := g.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(cancelCtx)
	assert.Error(t, err)
}
