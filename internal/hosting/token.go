package hosting

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticTokenProvider hands out one long-lived token for every project.
// Used for personal-access-token setups where nothing expires.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider wraps a fixed token value
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// TokenFor implements TokenProvider
func (p *StaticTokenProvider) TokenFor(ctx context.Context, projectID string) (Token, error) {
	if p.token == "" {
		return Token{}, fmt.Errorf("no host token configured")
	}
	return Token{Value: p.token}, nil
}

// EnsureValid implements TokenProvider. Static tokens never expire.
func (p *StaticTokenProvider) EnsureValid(ctx context.Context) error {
	return nil
}

// RefreshFunc mints a fresh short-lived token
type RefreshFunc func(ctx context.Context) (value string, expiresAt time.Time, err error)

// RefreshingTokenProvider caches a short-lived token and re-mints it
// before expiry. App-installation tokens live about an hour, so the
// refresh margin keeps pushes from failing mid-stage.
type RefreshingTokenProvider struct {
	refresh RefreshFunc
	margin  time.Duration

	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

// NewRefreshingTokenProvider creates a provider that refreshes via fn
// when the cached token is within margin of expiry
func NewRefreshingTokenProvider(fn RefreshFunc, margin time.Duration) *RefreshingTokenProvider {
	if margin <= 0 {
		margin = 10 * time.Minute
	}
	return &RefreshingTokenProvider{refresh: fn, margin: margin}
}

// TokenFor implements TokenProvider
func (p *RefreshingTokenProvider) TokenFor(ctx context.Context, projectID string) (Token, error) {
	if err := p.EnsureValid(ctx); err != nil {
		return Token{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Token{Value: p.value}, nil
}

// EnsureValid implements TokenProvider
func (p *RefreshingTokenProvider) EnsureValid(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.value != "" && time.Until(p.expiresAt) > p.margin {
		return nil
	}

	value, expiresAt, err := p.refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	p.value = value
	p.expiresAt = expiresAt
	return nil
}
