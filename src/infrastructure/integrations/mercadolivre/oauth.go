package mercadolivre

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var ErrMissingClientCredentials = errors.New("marketplace client id or secret not configured")

// TokenRefresher exchanges a refresh token for a new token pair.
type TokenRefresher struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

// NewTokenRefresher builds a refresher against baseURL + /oauth/token. Client
// credentials are sent in the form body.
func NewTokenRefresher(baseURL, clientID, clientSecret string, httpClient *http.Client) *TokenRefresher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &TokenRefresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// Refresh performs a refresh_token grant. The returned token carries the new
// access token, the refresh token to store, and its expiry.
func (r *TokenRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.conf.ClientID == "" || r.conf.ClientSecret == "" {
		return nil, ErrMissingClientCredentials
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}
