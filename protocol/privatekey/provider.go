// Package privatekey issues and caches the per-user symmetric secret that
// protects group keys and seeds pairwise root keys.
package privatekey

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Fetcher retrieves a user's secret from its issuer.
type Fetcher interface {
	FetchPrivateKey(ctx context.Context, userID string) ([]byte, error)
}

// Provider caches fetched secrets for a bounded time.
type Provider struct {
	fetcher Fetcher
	cache   *expirable.LRU[string, []byte]
}

func NewProvider(fetcher Fetcher, size int, ttl time.Duration) *Provider {
	return &Provider{
		fetcher: fetcher,
		cache:   expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Get returns a copy of the user's secret that the caller may wipe. Cached
// entries are never handed out directly.
func (p *Provider) Get(ctx context.Context, userID string) ([]byte, error) {
	if secret, ok := p.cache.Get(userID); ok {
		return clone(secret), nil
	}
	secret, err := p.fetcher.FetchPrivateKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrivateKeyUnavailable, userID, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: %s: empty secret", ErrPrivateKeyUnavailable, userID)
	}
	p.cache.Add(userID, clone(secret))
	return secret, nil
}

// Invalidate drops the cached secret of a user.
func (p *Provider) Invalidate(userID string) {
	p.cache.Remove(userID)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
