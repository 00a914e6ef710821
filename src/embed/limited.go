package embed

import (
	"context"

	"github.com/mnemosdb/mnemos/src/concurrent"
)

// Limited gates an embedder behind a bounded concurrency limiter. Every
// provider call, single or part of a batch, takes one slot.
type Limited struct {
	inner   Embedder
	limiter *concurrent.Limiter
}

func Limit(e Embedder, limiter *concurrent.Limiter) *Limited {
	return &Limited{inner: e, limiter: limiter}
}

func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := l.limiter.Do(ctx, func() error {
		var err error
		vec, err = l.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

// EmbedBatch forwards to the provider's native batch call under a single
// slot when it has one. Otherwise the texts are embedded in parallel, each
// call claiming its own slot so the limit still holds.
func (l *Limited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if be, ok := l.inner.(BatchEmbedder); ok {
		var vecs [][]float32
		err := l.limiter.Do(ctx, func() error {
			var err error
			vecs, err = be.EmbedBatch(ctx, texts)
			return err
		})
		return vecs, err
	}
	return concurrent.ParallelMap(ctx, texts, func(text string) ([]float32, error) {
		return l.Embed(ctx, text)
	}, l.limiter.Max())
}
