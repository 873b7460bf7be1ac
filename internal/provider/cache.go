package provider

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached wraps a Provider with a short-lived LRU of finished sessions, so a
// burst of connections replaying the same completed run costs one upstream
// call. Live sessions, errors and not-found results are always fetched, so
// each connection sees the current status of a running session.
type Cached struct {
	inner Provider
	cache *expirable.LRU[string, *Session]
}

func NewCached(inner Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, *Session](size, nil, ttl),
	}
}

func (c *Cached) GetSession(ctx context.Context, id string) (*Session, error) {
	if s, ok := c.cache.Get(id); ok {
		return s, nil
	}
	s, err := c.inner.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		c.cache.Add(id, s)
	}
	return s, nil
}
