package embed

import (
	"context"
	"time"

	"github.com/mnemosdb/mnemos/src/cache"
)

// Cached memoizes an Embedder so repeated texts skip the provider call.
// Wrap it around a Limited embedder so cache hits never wait on the
// concurrency semaphore.
type Cached struct {
	inner Embedder
	cache *cache.Vectors
}

// WithCache wraps e with an LRU of capacity vectors expiring after ttl.
func WithCache(e Embedder, capacity int, ttl time.Duration) *Cached {
	return &Cached{inner: e, cache: cache.NewVectors(capacity, ttl)}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.Key(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec)
	return vec, nil
}

// EmbedBatch serves hits from the cache and forwards only the misses,
// batched when the inner embedder supports it.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.cache.Get(cache.Key(text)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := EmbedAll(ctx, c.inner, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		c.cache.Set(cache.Key(texts[i]), vecs[j])
		out[i] = vecs[j]
	}
	return out, nil
}
