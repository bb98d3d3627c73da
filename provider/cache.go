package provider

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder decorates an Embedder with a TTL cache so repeated texts
// (re-ingested content, reconciliation re-embeds, popular queries) don't pay
// for duplicate provider calls.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedEmbedder wraps inner with a ristretto cache. A zero ttl disables
// expiry.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,  // ~10x expected entries
		MaxCost:     64 << 20, // 64 MiB of vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache, ttl: ttl}, nil
}

// Embed returns a cached vector when available, otherwise delegates to the
// inner embedder and caches the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}

	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	cost := int64(len(emb) * 4)
	if c.ttl > 0 {
		c.cache.SetWithTTL(text, emb, cost, c.ttl)
	} else {
		c.cache.Set(text, emb, cost)
	}
	return emb, nil
}

// Dimensions returns the inner embedder's vector size.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Wait blocks until pending cache writes are applied. Intended for tests;
// ristretto admits entries asynchronously.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close releases cache resources.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
