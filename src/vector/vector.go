package vector

import (
	"context"
	"errors"
	"fmt"
)

// Metric selects the distance function of an index.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	InnerProduct
)

// Scalar selects the stored scalar width of an index.
type Scalar int

const (
	F32 Scalar = iota
	F16
	I8
)

// ErrDimensionMismatch is returned when a vector does not match the index
// dimensions. Nothing is stored on mismatch.
var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// Result is a single search hit. Distance is ascending-better for every
// metric (cosine distance, squared L2, or 1-dot for inner product).
type Result struct {
	ID       string
	Distance float32
}

// Index is the approximate-nearest-neighbor collaborator contract.
// Implementations must keep dimensions and metric immutable after creation.
type Index interface {
	Add(ctx context.Context, id string, vec []float32) error
	Remove(ctx context.Context, id string) error
	// Search returns up to k results sorted ascending by distance; ties are
	// broken by insertion order.
	Search(ctx context.Context, vec []float32, k int) ([]Result, error)
	Reserve(capacity int) error
	Dimensions() int
	Count(ctx context.Context) (int, error)
	// Persist flushes the index to its durable backing, where one exists.
	Persist(ctx context.Context) error
	// Drop removes the whole index.
	Drop(ctx context.Context) error
}

// ParseMetric maps the wire names used by scripts onto Metric values.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine", "cos", "":
		return Cosine, nil
	case "euclidean", "l2", "l2sq":
		return Euclidean, nil
	case "inner_product", "ip", "dot":
		return InnerProduct, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case InnerProduct:
		return "inner_product"
	default:
		return "cosine"
	}
}

// ParseScalar maps the wire names used by scripts onto Scalar values.
func ParseScalar(s string) (Scalar, error) {
	switch s {
	case "f32", "":
		return F32, nil
	case "f16":
		return F16, nil
	case "i8":
		return I8, nil
	default:
		return 0, fmt.Errorf("unknown scalar %q", s)
	}
}

func (s Scalar) String() string {
	switch s {
	case F16:
		return "f16"
	case I8:
		return "i8"
	default:
		return "f32"
	}
}
