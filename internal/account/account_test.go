package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccount_IsAvailable(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Account{Enabled: false}).IsAvailable(now))
	assert.True(t, (&Account{Enabled: true}).IsAvailable(now))
	assert.False(t, (&Account{Enabled: true, DisabledUntil: now.Add(time.Minute)}).IsAvailable(now))
	assert.True(t, (&Account{Enabled: true, DisabledUntil: now.Add(-time.Minute)}).IsAvailable(now))
}

func TestAccount_NeedsRefresh(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Account{}).NeedsRefresh(now, time.Minute), "no token yet")
	fresh := &Account{AccessToken: "tok", AccessTokenExpiry: now.Add(time.Hour)}
	assert.False(t, fresh.NeedsRefresh(now, time.Minute))
	expiring := &Account{AccessToken: "tok", AccessTokenExpiry: now.Add(30 * time.Second)}
	assert.True(t, expiring.NeedsRefresh(now, time.Minute))
}

func TestQuotaState_FailureRate(t *testing.T) {
	assert.Equal(t, 0.0, QuotaState{}.FailureRate())
	assert.Equal(t, 0.5, QuotaState{RecentAttempts: 4, RecentFailures: 2}.FailureRate())
}
