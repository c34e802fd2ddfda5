// Package token hands out marketplace access tokens, refreshing them when
// they are about to expire.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"

	"wholesync/src/log"
)

const (
	// RefreshMargin is how close to expiry a token may get before it is refreshed.
	RefreshMargin = 5 * time.Minute
	// fallbackLifetime is used when the token endpoint does not report expires_in.
	fallbackLifetime = 6 * time.Hour
)

var ErrTokenUnavailable = errors.New("no valid access token available")

// Credentials is the stored token pair of an account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type Store interface {
	SaveToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
}

type Supplier struct {
	refresher Refresher
	store     Store
	margin    time.Duration
	now       func() time.Time
	logger    logr.Logger
}

func NewSupplier(refresher Refresher, store Store) *Supplier {
	return &Supplier{
		refresher: refresher,
		store:     store,
		margin:    RefreshMargin,
		now:       time.Now,
		logger:    log.WithName("token"),
	}
}

// GetValidToken returns creds.AccessToken while it has more than the refresh
// margin left. Otherwise it refreshes, stores the new pair and returns the new
// access token. Every failure is reported as ErrTokenUnavailable.
func (s *Supplier) GetValidToken(ctx context.Context, accountID string, creds Credentials) (string, error) {
	if creds.AccessToken != "" && creds.ExpiresAt.Add(-s.margin).After(s.now()) {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		s.logger.Info("token expired and no refresh token stored", "account_id", accountID)
		return "", ErrTokenUnavailable
	}

	tok, err := s.refresher.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		s.logger.Error(err, "token refresh failed", "account_id", accountID)
		return "", ErrTokenUnavailable
	}
	if tok.AccessToken == "" {
		s.logger.Info("token endpoint returned no access token", "account_id", accountID)
		return "", ErrTokenUnavailable
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = creds.RefreshToken
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(fallbackLifetime)
	}

	if err := s.store.SaveToken(ctx, accountID, tok.AccessToken, refresh, expiresAt); err != nil {
		s.logger.Error(err, "failed to store refreshed token", "account_id", accountID)
		return "", ErrTokenUnavailable
	}

	s.logger.V(1).Info("access token refreshed", "account_id", accountID, "expires_at", expiresAt)
	return tok.AccessToken, nil
}
