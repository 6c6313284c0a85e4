package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenFetcher obtains a fresh access token from the provider.
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// ClientCredentialsFetcher fetches tokens with the OAuth2 client credentials
// grant, sending requests through httpClient.
func ClientCredentialsFetcher(cfg *clientcredentials.Config, httpClient *http.Client) TokenFetcher {
	return func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cfg.Token(ctx)
	}
}

// TokenCache holds one access token and refreshes it once it is within
// margin of expiry. Safe for concurrent use; concurrent callers during a
// refresh wait for the single in-flight fetch.
type TokenCache struct {
	mu     sync.Mutex
	fetch  TokenFetcher
	margin time.Duration
	now    func() time.Time
	token  *oauth2.Token
}

func NewTokenCache(fetch TokenFetcher, margin time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{fetch: fetch, margin: margin, now: now}
}

// Get returns a token valid for at least margin, fetching one if needed.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh() {
		return c.token.AccessToken, nil
	}
	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the provider rejected it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) fresh() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}
	if c.token.Expiry.IsZero() {
		return true
	}
	return c.now().Add(c.margin).Before(c.token.Expiry)
}
