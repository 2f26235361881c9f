package stats

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const overviewKey = "overview"

// Cached serves a recent Overview instead of recomputing it per request.
type Cached struct {
	inner Aggregator
	cache *expirable.LRU[string, Overview]
}

// NewCached wraps inner with a ttl cache. ttl <= 0 defaults to 30s.
func NewCached(inner Aggregator, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, Overview](1, nil, ttl),
	}
}

// Overview implements Aggregator.
func (c *Cached) Overview(ctx context.Context) (Overview, error) {
	if o, ok := c.cache.Get(overviewKey); ok {
		return o, nil
	}
	o, err := c.inner.Overview(ctx)
	if err != nil {
		return Overview{}, err
	}
	c.cache.Add(overviewKey, o)
	return o, nil
}

// Invalidate drops the cached Overview.
func (c *Cached) Invalidate() {
	c.cache.Remove(overviewKey)
}
