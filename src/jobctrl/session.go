package jobctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/token"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrNoAccessToken   = errors.New("failed to obtain access token")
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidItemID   = errors.New("invalid item id")
)

// TokenSupplier returns an access token that is valid for a while.
type TokenSupplier interface {
	GetValidToken(ctx context.Context, accountID string, creds token.Credentials) (string, error)
}

// session is an account together with a usable access token.
type session struct {
	account *accountctrl.Account
	token   string
}

func openSession(ctx context.Context, accounts *accountctrl.AccountService, tokens TokenSupplier, accountID string) (*session, error) {
	account, err := accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}

	stored, err := accounts.GetToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrTokenNotFound
	}

	accessToken, err := tokens.GetValidToken(ctx, accountID, token.Credentials{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    stored.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, token.ErrTokenUnavailable) {
			return nil, ErrNoAccessToken
		}
		return nil, fmt.Errorf("%w: %v", ErrNoAccessToken, err)
	}

	return &session{account: account, token: accessToken}, nil
}

// Authorize returns the account and an access token usable right now, for
// callers outside of a job.
func Authorize(ctx context.Context, accounts *accountctrl.AccountService, tokens TokenSupplier, accountID string) (*accountctrl.Account, string, error) {
	sess, err := openSession(ctx, accounts, tokens, accountID)
	if err != nil {
		return nil, "", err
	}
	return sess.account, sess.token, nil
}

// fetchPrices reads the item's prices. A rejected price listing reads as an
// item without prices.
func fetchPrices(ctx context.Context, client *mercadolivre.Client, logger logr.Logger, accessToken, itemID string) (*mercadolivre.PriceList, error) {
	prices, err := client.GetItemPrices(ctx, accessToken, itemID)
	var apiErr *mercadolivre.APIError
	if errors.As(err, &apiErr) {
		logger.V(1).Info("item prices unavailable", "item_id", itemID, "status", apiErr.StatusCode)
		return nil, nil
	}
	return prices, err
}
