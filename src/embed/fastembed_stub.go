//go:build !fastembed

package embed

import "context"

// Local ONNX embeddings are opt-in: build with -tags fastembed to pull in the
// onnxruntime dependency.
func NewFastEmbedder(_ context.Context, _ *FastEmbedOptions) (Embedder, error) {
	return nil, ErrNotSupported
}

type FastEmbedOptions struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}
