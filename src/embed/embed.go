// Package embed wraps the embedding providers behind one interface. The
// provider is selected from the environment so the rest of the engine never
// cares which backend produced a vector.
package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Embedder converts text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by providers with a native batch call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrNotSupported is returned by providers that do not offer embeddings.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// AutoEmbedder picks a provider from MNEMOS_EMBED_PROVIDER and
// MNEMOS_EMBED_MODEL. Unknown or failing providers fall back to the
// deterministic embedder so the engine stays usable offline.
func AutoEmbedder(dims int) Embedder {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("MNEMOS_EMBED_PROVIDER")))
	model := strings.TrimSpace(os.Getenv("MNEMOS_EMBED_MODEL"))

	switch provider {
	case "openai":
		if e, err := NewOpenAIEmbedder(model); err == nil {
			return e
		}
	case "google", "gemini":
		if e, err := NewGeminiEmbedder(model); err == nil {
			return e
		}
	case "ollama":
		if e, err := NewOllamaEmbedder(model); err == nil {
			return e
		}
	case "voyage":
		if e, err := NewVoyageEmbedder(model); err == nil {
			return e
		}
	case "fastembed":
		if e, err := NewFastEmbedder(context.Background(), nil); err == nil {
			return e
		}
	}

	if provider != "" && provider != "dummy" {
		log.Warn().Str("provider", provider).Msg("embed provider unavailable, using deterministic embedder")
	}
	return NewDummyEmbedder(dims)
}

// DummyEmbedder produces deterministic vectors from the text alone. The same
// input always yields the same vector, which makes similarity search
// reproducible in tests and offline setups.
type DummyEmbedder struct {
	dims int
}

func NewDummyEmbedder(dims int) DummyEmbedder {
	if dims <= 0 {
		dims = 768
	}
	return DummyEmbedder{dims: dims}
}

func (d DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		vec[sum%uint64(d.dims)] += 1
		vec[(sum>>17)%uint64(d.dims)] += 0.5
	}
	if isZero(vec) {
		// Empty input still gets a stable non-zero vector.
		vec[0] = 1
	}
	normalize(vec)
	return vec, nil
}

func (d DummyEmbedder) Dimensions() int { return d.dims }

// EmbedAll runs the batch through the provider's native batch call when it
// has one, otherwise one text at a time.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if be, ok := e.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

func f64toF32(v []float64) []float32 {
	r := make([]float32, len(v))
	for i, x := range v {
		r[i] = float32(x)
	}
	return r
}
