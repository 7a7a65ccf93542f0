package account

import (
	"sync"
	"time"

	"github.com/kvoss/ccproxy/internal/ccerrors"
)

// Strategy names an account-selection policy.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "roundrobin"
	StrategyHybrid     Strategy = "hybrid"
)

// DefaultQuotaThreshold is the headroom below which the hybrid strategy
// deprioritizes an account, used when NewScheduler is given a zero value.
const DefaultQuotaThreshold = 0.1

// Lease is an exclusive, temporary binding between an in-flight request and
// one account. Callers must call Release when the request completes,
// whether it succeeded or not.
type Lease struct {
	Account Account
	release func()
}

// Release removes the account from the scheduler's in-flight set. Selection
// does not consult that set, so a leased account stays selectable meanwhile.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
	}
}

// Scheduler selects an account per request under a configured strategy.
// Selection is atomic across concurrent callers: a single mutex serializes
// the choice itself, though the lease it returns does not hold that lock
// for the request's duration.
type Scheduler struct {
	mu       sync.Mutex
	manager  *Manager
	strategy Strategy

	stickyID       string
	rrPosition     int
	inFlight       map[string]bool
	fallback       bool
	quotaThreshold float64
}

// NewScheduler constructs a Scheduler over manager using strategy.
// fallbackEnabled governs whether a same-family fallback model may be
// substituted when every account is exhausted for the requested model.
// quotaThreshold is the headroom below which the hybrid strategy
// deprioritizes an account; a zero value falls back to
// DefaultQuotaThreshold.
func NewScheduler(manager *Manager, strategy Strategy, fallbackEnabled bool, quotaThreshold float64) *Scheduler {
	if quotaThreshold == 0 {
		quotaThreshold = DefaultQuotaThreshold
	}
	return &Scheduler{
		manager:        manager,
		strategy:       strategy,
		inFlight:       make(map[string]bool),
		fallback:       fallbackEnabled,
		quotaThreshold: quotaThreshold,
	}
}

// Select picks and leases one enabled, available account.
func (s *Scheduler) Select() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.eligibleLocked()
	if len(candidates) == 0 {
		return nil, ccerrors.ErrNoAccounts
	}

	var chosen Account
	switch s.strategy {
	case StrategySticky:
		chosen = s.selectStickyLocked(candidates)
	case StrategyRoundRobin:
		chosen = s.selectRoundRobinLocked(candidates)
	default:
		chosen = s.selectHybridLocked(candidates)
	}

	s.inFlight[chosen.ID] = true
	id := chosen.ID
	return &Lease{
		Account: chosen,
		release: func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
		},
	}, nil
}

// SelectSpecific leases the named account directly, bypassing the
// configured strategy. Used for the X-CCProxy-Account override header; the
// account still must be enabled and not disabled.
func (s *Scheduler) SelectSpecific(id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.manager.Get(id)
	if !ok || !a.IsAvailable(time.Now()) {
		return nil, ccerrors.ErrNoAccounts
	}

	s.inFlight[id] = true
	return &Lease{
		Account: a,
		release: func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
		},
	}, nil
}

// FallbackEnabled reports whether the scheduler may substitute a
// same-family fallback model when every account is exhausted for the
// requested model.
func (s *Scheduler) FallbackEnabled() bool {
	return s.fallback
}

// MarkFailure informs the scheduler that the leased account hit a
// non-retryable rate-limit or quota error, which for the sticky strategy
// forces advancing away from it on the next selection.
func (s *Scheduler) MarkFailure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stickyID != id {
		return
	}
	s.stickyID = ""
	candidates := s.eligibleLocked()
	for i, a := range candidates {
		if a.ID == id {
			if len(candidates) > 1 {
				s.stickyID = candidates[(i+1)%len(candidates)].ID
			}
			break
		}
	}
}

// eligibleLocked returns every enabled, non-disabled account. Per-account
// concurrency is enforced downstream by ratelimit.Gate, not here: the
// scheduler's job is choosing which account to lease, not bounding how
// many requests run against it at once.
func (s *Scheduler) eligibleLocked() []Account {
	now := time.Now()
	var out []Account
	for _, a := range s.manager.Snapshot() {
		if a.IsAvailable(now) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Scheduler) selectStickyLocked(candidates []Account) Account {
	if s.stickyID != "" {
		for _, a := range candidates {
			if a.ID == s.stickyID {
				return a
			}
		}
	}
	chosen := candidates[0]
	s.stickyID = chosen.ID
	return chosen
}

func (s *Scheduler) selectRoundRobinLocked(candidates []Account) Account {
	chosen := candidates[s.rrPosition%len(candidates)]
	s.rrPosition++
	return chosen
}

func (s *Scheduler) selectHybridLocked(candidates []Account) Account {
	best := candidates[0]
	bestScore := s.hybridScore(best)
	for _, a := range candidates[1:] {
		score := s.hybridScore(a)
		if score > bestScore || (score == bestScore && a.LastUsed.Before(best.LastUsed)) {
			best = a
			bestScore = score
		}
	}
	return best
}

func (s *Scheduler) hybridScore(a Account) float64 {
	headroom := a.Quota.Headroom
	if headroom == 0 && a.Quota.RecentAttempts == 0 {
		headroom = 1 // unknown headroom defaults to full
	}
	score := (1 - a.Quota.FailureRate()) * headroom
	if headroom < s.quotaThreshold {
		score *= 0.1 // deprioritized, not excluded
	}
	return score
}
