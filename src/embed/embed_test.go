package embed

import (
	"context"
	"errors"
	"math"
	"testing"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.vec != nil {
		return s.vec, nil
	}
	return []float32{float32(len(text))}, nil
}

func TestDummyEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewDummyEmbedder(128)

	a, err := e.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 128 || len(b) != 128 {
		t.Fatalf("expected 128 dims, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same input produced different vectors at %d", i)
		}
	}
}

func TestDummyEmbedderNormalized(t *testing.T) {
	e := NewDummyEmbedder(64)
	vec, err := e.Embed(context.Background(), "normalize me")
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("norm = %f, want 1", math.Sqrt(sum))
	}
}

func TestDummyEmbedderEmptyInput(t *testing.T) {
	e := NewDummyEmbedder(32)
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if isZero(vec) {
		t.Error("empty input should still yield a non-zero vector")
	}
}

func TestDummyEmbedderDefaultDims(t *testing.T) {
	e := NewDummyEmbedder(0)
	if e.Dimensions() != 768 {
		t.Errorf("default dims = %d, want 768", e.Dimensions())
	}
}

func TestEmbedAllFallsBackToSingle(t *testing.T) {
	out, err := EmbedAll(context.Background(), stubEmbedder{}, []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(out))
	}
	if out[2][0] != 3 {
		t.Errorf("vector for third text = %v", out[2])
	}
}

func TestEmbedAllPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := EmbedAll(context.Background(), stubEmbedder{err: boom}, []string{"a"})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestAutoEmbedderFallsBackToDummy(t *testing.T) {
	t.Setenv("MNEMOS_EMBED_PROVIDER", "voyage")
	t.Setenv("VOYAGE_API_KEY", "")
	e := AutoEmbedder(96)
	d, ok := e.(DummyEmbedder)
	if !ok {
		t.Fatalf("expected DummyEmbedder fallback, got %T", e)
	}
	if d.Dimensions() != 96 {
		t.Errorf("dims = %d, want 96", d.Dimensions())
	}
}
