package ratelimit

import (
	"math/rand"
	"time"
)

const (
	initialBackoff = 500 * time.Millisecond
	backoffMultiplier = 2.0
	backoffJitter      = 0.25
	maxBackoff         = 30 * time.Second

	// MaxWaitBeforeError is a total-wait budget for capacity retries. The
	// retry loop in internal/upstream does not consult it; capacity retries
	// are bounded by MaxRetriesFor's count instead.
	MaxWaitBeforeError = 60 * time.Second

	// MaxRetriesRateLimited is the retry ceiling for retryable_rate_limited
	// outcomes.
	MaxRetriesRateLimited = 5
	// MaxRetriesTransient is the retry ceiling for retryable_transient
	// outcomes.
	MaxRetriesTransient = 3
)

// BackoffConfig parameterizes the exponential-with-jitter schedule Backoff
// computes. The zero value is not usable directly; build one with
// DefaultBackoffConfig.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// DefaultBackoffConfig matches the policy defaults Backoff used before it
// became configurable: 500ms initial, doubling, 25% jitter, capped at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: initialBackoff, Multiplier: backoffMultiplier, Jitter: backoffJitter, Max: maxBackoff}
}

// Backoff computes the exponential-with-jitter delay before retry attempt
// n (0-indexed: the delay before the first retry is Backoff(0)), using the
// package's default schedule. The jitter source is injectable for
// deterministic tests; callers outside tests should pass rand.Float64.
func Backoff(attempt int, jitterSource func() float64) time.Duration {
	return BackoffWithConfig(attempt, DefaultBackoffConfig(), jitterSource)
}

// BackoffWithConfig is Backoff parameterized by cfg, so operators can tune
// the retry schedule (e.g. a gentler multiplier for a small account pool)
// without touching the package defaults other callers still rely on.
func BackoffWithConfig(attempt int, cfg BackoffConfig, jitterSource func() float64) time.Duration {
	if jitterSource == nil {
		jitterSource = rand.Float64
	}
	base := float64(cfg.Initial)
	for i := 0; i < attempt; i++ {
		base *= cfg.Multiplier
	}
	if base > float64(cfg.Max) {
		base = float64(cfg.Max)
	}

	jitterRange := base * cfg.Jitter
	// jitterSource() in [0,1) maps to [-jitterRange, +jitterRange).
	delta := (jitterSource()*2 - 1) * jitterRange
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	if d > cfg.Max {
		d = cfg.Max
	}
	return d
}

// MaxRetriesFor returns the retry ceiling for a given Outcome. Capacity
// and auth-expired outcomes share the rate-limited ceiling; no elapsed-wait
// limit is applied on top of this count.
func MaxRetriesFor(o Outcome) int {
	switch o {
	case OutcomeRetryableRateLimited:
		return MaxRetriesRateLimited
	case OutcomeRetryableTransient:
		return MaxRetriesTransient
	case OutcomeRetryableCapacity, OutcomeAuthExpired:
		return MaxRetriesRateLimited
	default:
		return 0
	}
}
