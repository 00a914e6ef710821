package embed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingEmbedder struct {
	inner DummyEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func TestCachedEmbedSkipsRepeatCalls(t *testing.T) {
	counter := &countingEmbedder{inner: NewDummyEmbedder(16)}
	cached := WithCache(counter, 16, time.Hour)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cached.Embed(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if counter.calls.Load() != 1 {
		t.Errorf("provider called %d times", counter.calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs")
		}
	}

	// A returned slice must not alias the cache.
	second[0] = 42
	third, _ := cached.Embed(ctx, "hello")
	if third[0] == 42 {
		t.Error("cache shares memory with callers")
	}
}

func TestCachedEmbedBatchMixesHitsAndMisses(t *testing.T) {
	counter := &countingEmbedder{inner: NewDummyEmbedder(16)}
	cached := WithCache(counter, 16, time.Hour)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	counter.calls.Store(0)

	vecs, err := cached.EmbedBatch(ctx, []string{"a", "b", "a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 4 {
		t.Fatalf("len = %d", len(vecs))
	}
	// "a" is served from cache twice; only b and c hit the provider.
	if counter.calls.Load() != 2 {
		t.Errorf("provider called %d times", counter.calls.Load())
	}
	direct, _ := counter.inner.Embed(ctx, "b")
	for i := range direct {
		if vecs[1][i] != direct[i] {
			t.Fatal("batched miss differs from direct embedding")
		}
	}
}
