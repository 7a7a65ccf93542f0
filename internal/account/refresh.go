package account

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// RefreshSafetyWindow is how far ahead of actual expiry an access token is
// considered due for refresh.
const RefreshSafetyWindow = 60 * time.Second

// RefreshTimeout bounds a single token-refresh round trip.
const RefreshTimeout = 15 * time.Second

// Refresher exchanges an account's refresh token for a fresh access token
// against Google's OAuth token endpoint.
type Refresher struct {
	config *oauth2.Config
}

// NewRefresher builds a Refresher using Google's installed-app OAuth
// endpoint, the same one the interactive device-code flow (out of scope
// here) provisions refresh tokens against.
func NewRefresher(clientID, clientSecret string) *Refresher {
	return &Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
		},
	}
}

// Refresh exchanges refreshToken for a new access token and its expiry.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (accessToken string, expiry time.Time, err error) {
	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("account: refreshing token: %w", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// EnsureFresh refreshes the account's access token via r if it's within the
// refresh safety window of expiring, persisting the update through m.
func EnsureFresh(ctx context.Context, m *Manager, r *Refresher, id string) (string, error) {
	a, ok := m.Get(id)
	if !ok {
		return "", fmt.Errorf("account: unknown account %q", id)
	}
	if !a.NeedsRefresh(time.Now(), RefreshSafetyWindow) {
		return a.AccessToken, nil
	}
	return ForceRefresh(ctx, m, r, id)
}

// ForceRefresh exchanges the account's refresh token for a new access token
// unconditionally, bypassing the safety-window check EnsureFresh applies.
// Upstream's own 401 is a stronger freshness signal than the local expiry
// estimate, so the auth_expired retry path calls this directly instead of
// risking EnsureFresh deciding the still-cached token looks fine and
// resending the same rejected credential.
func ForceRefresh(ctx context.Context, m *Manager, r *Refresher, id string) (string, error) {
	a, ok := m.Get(id)
	if !ok {
		return "", fmt.Errorf("account: unknown account %q", id)
	}
	if r == nil {
		return "", fmt.Errorf("account: %q needs a token refresh but no refresher is configured", id)
	}

	accessToken, expiry, err := r.Refresh(ctx, a.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := m.UpdateToken(id, accessToken, expiry); err != nil {
		return "", err
	}
	return accessToken, nil
}
