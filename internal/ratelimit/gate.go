package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GateConfig bounds per-account concurrency and request spacing.
type GateConfig struct {
	// MaxConcurrent is the number of in-flight requests this account may
	// have open at once.
	MaxConcurrent int
	// MinInterval is the minimum spacing enforced between successive
	// dispatches for this account.
	MinInterval time.Duration
}

// DefaultGateConfig matches the policy defaults: concurrency 1, 500ms
// spacing.
func DefaultGateConfig() GateConfig {
	return GateConfig{MaxConcurrent: 1, MinInterval: 500 * time.Millisecond}
}

// Gate enforces a bounded concurrent in-flight count and a minimum
// inter-request spacing for one account. Waiters are served FIFO, which
// golang.org/x/time/rate.Limiter.Wait and a buffered channel semaphore both
// provide by construction (first blocked caller to have its context
// satisfied proceeds first).
type Gate struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewGate builds a Gate from cfg. A MinInterval of zero disables spacing;
// MaxConcurrent of zero is treated as 1.
func NewGate(cfg GateConfig) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	g := &Gate{sem: make(chan struct{}, cfg.MaxConcurrent)}
	if cfg.MinInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return g
}

// Acquire blocks until a concurrency slot is free and the minimum spacing
// interval has elapsed, or ctx is done. The returned release function must
// be called exactly once to free the slot.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			<-g.sem
			return nil, err
		}
	}

	var once sync.Once
	release = func() {
		once.Do(func() { <-g.sem })
	}
	return release, nil
}
