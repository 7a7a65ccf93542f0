// Package account manages the pool of OAuth-authenticated Google accounts
// the proxy fans requests across: their persisted state, token refresh, and
// the scheduling policy that picks one per request.
package account

import (
	"time"
)

// QuotaState tracks the sliding-window signal the hybrid scheduler scores
// accounts by.
type QuotaState struct {
	// RecentFailures and RecentAttempts form a simple ratio. Both count
	// every outcome recorded through Manager.RecordOutcome; nothing in this
	// package resets them.
	RecentFailures int
	RecentAttempts int
	// Headroom is a 0..1 estimate of remaining quota. It changes only when
	// a caller passes a value to Manager.RecordOutcome; the hybrid scorer
	// reads a zero Headroom as full (1) only while RecentAttempts is zero.
	Headroom float64
}

// FailureRate returns the fraction of recent attempts that failed, or 0 if
// there have been no attempts yet.
func (q QuotaState) FailureRate() float64 {
	if q.RecentAttempts == 0 {
		return 0
	}
	return float64(q.RecentFailures) / float64(q.RecentAttempts)
}

// Account is one OAuth-authenticated Google identity the proxy can dispatch
// requests through.
type Account struct {
	ID                string
	RefreshToken      string
	AccessToken        string
	AccessTokenExpiry  time.Time
	ProjectID          string
	Enabled            bool
	DisabledUntil      time.Time
	Quota              QuotaState
	LastUsed           time.Time
}

// IsAvailable reports whether this account may currently be selected:
// enabled and not under a temporary disable window.
func (a *Account) IsAvailable(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	if !a.DisabledUntil.IsZero() && now.Before(a.DisabledUntil) {
		return false
	}
	return true
}

// NeedsRefresh reports whether the access token is missing or within the
// refresh safety window of expiring.
func (a *Account) NeedsRefresh(now time.Time, safetyWindow time.Duration) bool {
	if a.AccessToken == "" {
		return true
	}
	return !a.AccessTokenExpiry.After(now.Add(safetyWindow))
}
