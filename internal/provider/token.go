package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// StaticTokenSource returns the same token forever. Useful for tests and
// for providers fronted by a local token broker.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error)   { return string(s), nil }
func (s StaticTokenSource) Refresh(context.Context) (string, error) { return string(s), nil }

// OAuth2TokenSource adapts a golang.org/x/oauth2 token source. The oauth2
// layer owns refresh-token handling; Refresh drops the cached token so the
// next fetch goes back to the authorization server.
type OAuth2TokenSource struct {
	base oauth2.TokenSource

	mu      sync.Mutex
	current oauth2.TokenSource
}

// NewOAuth2TokenSource wraps an oauth2.TokenSource with reuse semantics.
func NewOAuth2TokenSource(ts oauth2.TokenSource) *OAuth2TokenSource {
	return &OAuth2TokenSource{
		base:    ts,
		current: oauth2.ReuseTokenSource(nil, ts),
	}
}

// Token returns a currently valid bearer token.
func (o *OAuth2TokenSource) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	src := o.current
	o.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	return tok.AccessToken, nil
}

// Refresh discards the cached token and fetches a fresh one.
func (o *OAuth2TokenSource) Refresh(ctx context.Context) (string, error) {
	o.mu.Lock()
	o.current = oauth2.ReuseTokenSource(nil, o.base)
	src := o.current
	o.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok.AccessToken, nil
}
