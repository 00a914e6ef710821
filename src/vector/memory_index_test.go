package vector

import (
	"context"
	"math"
	"testing"
)

func TestMemoryIndexAddAndSearch(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(3, Cosine)

	vecs := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0.9, 0.1, 0},
	}
	for id, v := range vecs {
		if err := ix.Add(ctx, id, v); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	results, err := ix.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("closest should be a, got %s", results[0].ID)
	}
	if results[0].Distance > 1e-6 {
		t.Errorf("self distance should be ~0, got %f", results[0].Distance)
	}
	if results[1].ID != "c" {
		t.Errorf("second should be c, got %s", results[1].ID)
	}
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(4, Cosine)

	if err := ix.Add(ctx, "x", []float32{1, 2}); err != ErrDimensionMismatch {
		t.Errorf("add: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := ix.Search(ctx, []float32{1, 2, 3}, 1); err != ErrDimensionMismatch {
		t.Errorf("search: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestMemoryIndexTieBreakByInsertion(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(2, Euclidean)

	// Same vector twice: equal distance, insertion order must decide.
	if err := ix.Add(ctx, "second", []float32{1, 1}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add(ctx, "third", []float32{1, 1}); err != nil {
		t.Fatal(err)
	}

	results, err := ix.Search(ctx, []float32{1, 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != "second" || results[1].ID != "third" {
		t.Errorf("tie should preserve insertion order, got %s then %s",
			results[0].ID, results[1].ID)
	}
}

func TestMemoryIndexOverwriteKeepsSeq(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(2, Euclidean)

	for _, id := range []string{"a", "b"} {
		if err := ix.Add(ctx, id, []float32{0, 0}); err != nil {
			t.Fatal(err)
		}
	}
	// Overwriting a must not move it behind b in tie ordering.
	if err := ix.Add(ctx, "a", []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	results, err := ix.Search(ctx, []float32{0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != "a" {
		t.Errorf("overwrite changed tie order: got %s first", results[0].ID)
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(2, Cosine)

	if err := ix.Add(ctx, "gone", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Remove(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	n, err := ix.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count after remove = %d, want 0", n)
	}
	results, err := ix.Search(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("removed entry still returned: %v", results)
	}
}

func TestDistanceMetrics(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	tests := []struct {
		name   string
		metric Metric
		x, y   []float32
		want   float64
	}{
		{"cosine orthogonal", Cosine, a, b, 1},
		{"cosine identical", Cosine, a, a, 0},
		{"euclidean is squared", Euclidean, a, b, 2},
		{"inner product identical", InnerProduct, a, a, 0},
		{"inner product orthogonal", InnerProduct, a, b, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := float64(Distance(tt.metric, tt.x, tt.y))
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Distance(%v) = %f, want %f", tt.metric, got, tt.want)
			}
		})
	}
}

func TestParseMetric(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Metric
		ok   bool
	}{
		{"cosine", Cosine, true},
		{"euclidean", Euclidean, true},
		{"inner_product", InnerProduct, true},
		{"manhattan", 0, false},
	} {
		got, err := ParseMetric(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseMetric(%q) = %v, %v", tt.in, got, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseMetric(%q) should fail", tt.in)
		}
	}
}

func TestEncodeVector(t *testing.T) {
	got := encodeVector([]float32{1, 0.5, -2})
	if got != "[1,0.5,-2]" {
		t.Errorf("encodeVector = %q", got)
	}
}
