// Package agent layers memory, conversation and tool-state conventions on
// top of the namespace primitives. It adds key schemes and sequencing, never
// new storage operations.
package agent

import "errors"

// ErrEmbedding wraps failures of the embedding collaborator so callers can
// classify them without inspecting provider-specific errors.
var ErrEmbedding = errors.New("agent: embedding failed")

// Memory is one remembered item. Memories are never mutated in place; an
// update is a new store plus an explicit forget.
type Memory struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Importance float64  `json:"importance"`
	CreatedAt  int64    `json:"created_at"`
	// Distance is set on recall results only.
	Distance float32 `json:"distance,omitempty"`
}

// Message is one conversation entry. Sequence numbers are strictly
// increasing per conversation; gaps are allowed, duplicates are not.
type Message struct {
	Sequence  uint64  `json:"sequence"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Distance  float32 `json:"distance,omitempty"`
}
