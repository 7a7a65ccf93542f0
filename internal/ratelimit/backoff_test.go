package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	noJitter := func() float64 { return 0.5 } // midpoint -> zero jitter delta
	d0 := Backoff(0, noJitter)
	d1 := Backoff(1, noJitter)
	d2 := Backoff(2, noJitter)
	assert.Equal(t, 500*time.Millisecond, d0)
	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
}

func TestBackoff_CapsAtMax(t *testing.T) {
	noJitter := func() float64 { return 0.5 }
	d := Backoff(20, noJitter)
	assert.Equal(t, maxBackoff, d)
}

func TestBackoff_JitterBounded(t *testing.T) {
	maxJitter := func() float64 { return 1.0 }
	minJitter := func() float64 { return 0.0 }
	high := Backoff(0, maxJitter)
	low := Backoff(0, minJitter)
	assert.True(t, high > low)
	assert.True(t, high <= initialBackoff+time.Duration(float64(initialBackoff)*backoffJitter)+time.Millisecond)
}

func TestBackoffWithConfig_UsesSuppliedSchedule(t *testing.T) {
	noJitter := func() float64 { return 0.5 }
	cfg := BackoffConfig{Initial: time.Second, Multiplier: 3, Jitter: 0, Max: 10 * time.Second}
	assert.Equal(t, time.Second, BackoffWithConfig(0, cfg, noJitter))
	assert.Equal(t, 3*time.Second, BackoffWithConfig(1, cfg, noJitter))
	assert.Equal(t, 9*time.Second, BackoffWithConfig(2, cfg, noJitter))
	assert.Equal(t, 10*time.Second, BackoffWithConfig(5, cfg, noJitter), "must still respect cfg's own cap")
}

func TestMaxRetriesFor(t *testing.T) {
	assert.Equal(t, MaxRetriesRateLimited, MaxRetriesFor(OutcomeRetryableRateLimited))
	assert.Equal(t, MaxRetriesTransient, MaxRetriesFor(OutcomeRetryableTransient))
	assert.Equal(t, 0, MaxRetriesFor(OutcomeFatal))
}
