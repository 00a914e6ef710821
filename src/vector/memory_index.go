package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force in-process index for tests and lightweight
// embedded deployments. Exact, not approximate; fine up to a few hundred
// thousand vectors.
type MemoryIndex struct {
	mu      sync.RWMutex
	dims    int
	metric  Metric
	nextSeq uint64
	entries map[string]memEntry
}

type memEntry struct {
	vec []float32
	seq uint64
}

func NewMemoryIndex(dims int, metric Metric) *MemoryIndex {
	return &MemoryIndex{
		dims:    dims,
		metric:  metric,
		entries: make(map[string]memEntry),
	}
}

func (ix *MemoryIndex) Add(_ context.Context, id string, vec []float32) error {
	if len(vec) != ix.dims {
		return ErrDimensionMismatch
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, ok := ix.entries[id]
	if !ok {
		ix.nextSeq++
		ent.seq = ix.nextSeq
	}
	ent.vec = append([]float32(nil), vec...)
	ix.entries[id] = ent
	return nil
}

func (ix *MemoryIndex) Remove(_ context.Context, id string) error {
	ix.mu.Lock()
	delete(ix.entries, id)
	ix.mu.Unlock()
	return nil
}

func (ix *MemoryIndex) Search(_ context.Context, vec []float32, k int) ([]Result, error) {
	if len(vec) != ix.dims {
		return nil, ErrDimensionMismatch
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if k <= 0 {
		return nil, nil
	}
	type scored struct {
		res Result
		seq uint64
	}
	scoredResults := make([]scored, 0, len(ix.entries))
	for id, ent := range ix.entries {
		scoredResults = append(scoredResults, scored{
			res: Result{ID: id, Distance: Distance(ix.metric, vec, ent.vec)},
			seq: ent.seq,
		})
	}
	sort.Slice(scoredResults, func(i, j int) bool {
		if scoredResults[i].res.Distance != scoredResults[j].res.Distance {
			return scoredResults[i].res.Distance < scoredResults[j].res.Distance
		}
		return scoredResults[i].seq < scoredResults[j].seq
	})
	if len(scoredResults) > k {
		scoredResults = scoredResults[:k]
	}
	results := make([]Result, len(scoredResults))
	for i, sc := range scoredResults {
		results[i] = sc.res
	}
	return results, nil
}

func (ix *MemoryIndex) Reserve(capacity int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if capacity > len(ix.entries) {
		grown := make(map[string]memEntry, capacity)
		for id, ent := range ix.entries {
			grown[id] = ent
		}
		ix.entries = grown
	}
	return nil
}

func (ix *MemoryIndex) Dimensions() int { return ix.dims }

func (ix *MemoryIndex) Count(_ context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries), nil
}

func (ix *MemoryIndex) Persist(_ context.Context) error { return nil }

func (ix *MemoryIndex) Drop(_ context.Context) error {
	ix.mu.Lock()
	ix.entries = make(map[string]memEntry)
	ix.mu.Unlock()
	return nil
}

// Distance computes the metric's distance between two vectors of equal
// length. Smaller is always closer.
func Distance(metric Metric, a, b []float32) float32 {
	switch metric {
	case Euclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return float32(sum)
	case InnerProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(1 - dot)
	default:
		return float32(1 - cosineSimilarity(a, b))
	}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
