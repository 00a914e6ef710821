package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/storage"
)

// Key scheme inside a memory namespace: the content and metadata of a
// memory live under parallel prefixes, and each tag gets one index entry.
const (
	contentPrefix = "content:"
	metaPrefix    = "meta:"
	tagPrefix     = "tag:"
)

// ErrMemoryNotFound is returned by Forget for an unknown id.
var ErrMemoryNotFound = errors.New("agent: memory not found")

// MemoryBank stores and recalls memories inside caller-chosen namespaces.
type MemoryBank struct {
	registry *namespace.Registry
	embedder embed.Embedder
}

func NewMemoryBank(registry *namespace.Registry, embedder embed.Embedder) *MemoryBank {
	return &MemoryBank{registry: registry, embedder: embedder}
}

// Store embeds content and writes the vector, the content and the metadata.
// The writes are separate; a crash in between leaves the stores eventually
// consistent, not corrupted.
func (b *MemoryBank) Store(ctx context.Context, ns, content string, tags []string, importance float64) (string, error) {
	space, err := b.registry.Get(ns)
	if err != nil {
		return "", err
	}
	if math.IsNaN(importance) || importance < 0 || importance > 1 {
		return "", fmt.Errorf("agent: importance %v outside [0,1]", importance)
	}

	vec, err := b.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	id := uuid.NewString()
	mem := Memory{
		ID:         id,
		Tags:       tags,
		Importance: importance,
		CreatedAt:  time.Now().Unix(),
	}
	meta, err := json.Marshal(mem)
	if err != nil {
		return "", err
	}

	if err := space.Index.Add(ctx, id, vec); err != nil {
		return "", err
	}
	if err := space.Store.Put(ctx, []byte(contentPrefix+id), []byte(content)); err != nil {
		return "", err
	}
	if err := space.Store.Put(ctx, []byte(metaPrefix+id), meta); err != nil {
		return "", err
	}
	for _, tag := range tags {
		if err := space.Store.Put(ctx, []byte(tagPrefix+tag+":"+id), nil); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Recall embeds the query and returns the k most similar memories.
func (b *MemoryBank) Recall(ctx context.Context, ns, query string, k int) ([]Memory, error) {
	space, err := b.registry.Get(ns)
	if err != nil {
		return nil, err
	}
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	hits, err := space.Index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	memories := make([]Memory, 0, len(hits))
	for _, hit := range hits {
		mem, err := b.load(ctx, space, hit.ID)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				// The vector outlived its content; skip the orphan.
				continue
			}
			return nil, err
		}
		mem.Distance = hit.Distance
		memories = append(memories, mem)
	}
	return memories, nil
}

// RecallByTags returns up to k memories carrying every given tag, newest
// first.
func (b *MemoryBank) RecallByTags(ctx context.Context, ns string, tags []string, k int) ([]Memory, error) {
	space, err := b.registry.Get(ns)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}

	entries, err := space.Store.Scan(ctx, []byte(tagPrefix+tags[0]+":"), 0)
	if err != nil {
		return nil, err
	}

	var memories []Memory
	for _, entry := range entries {
		id := string(entry.Key[len(tagPrefix+tags[0]+":"):])
		mem, err := b.load(ctx, space, id)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		if !hasAllTags(mem.Tags, tags) {
			continue
		}
		memories = append(memories, mem)
	}

	sortMemoriesNewestFirst(memories)
	if k > 0 && len(memories) > k {
		memories = memories[:k]
	}
	return memories, nil
}

// Forget removes a memory's vector, content, metadata and tag entries.
func (b *MemoryBank) Forget(ctx context.Context, ns, id string) error {
	space, err := b.registry.Get(ns)
	if err != nil {
		return err
	}
	mem, err := b.load(ctx, space, id)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("%w: %q", ErrMemoryNotFound, id)
		}
		return err
	}

	if err := space.Index.Remove(ctx, id); err != nil {
		return err
	}
	if err := space.Store.Delete(ctx, []byte(contentPrefix+id)); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	if err := space.Store.Delete(ctx, []byte(metaPrefix+id)); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	for _, tag := range mem.Tags {
		if err := space.Store.Delete(ctx, []byte(tagPrefix+tag+":"+id)); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

func (b *MemoryBank) load(ctx context.Context, space *namespace.Namespace, id string) (Memory, error) {
	meta, err := space.Store.Get(ctx, []byte(metaPrefix+id))
	if err != nil {
		return Memory{}, err
	}
	var mem Memory
	if err := json.Unmarshal(meta, &mem); err != nil {
		return Memory{}, fmt.Errorf("corrupt metadata for memory %q: %w", id, err)
	}
	content, err := space.Store.Get(ctx, []byte(contentPrefix+id))
	if err != nil {
		return Memory{}, err
	}
	mem.Content = string(content)
	return mem, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func sortMemoriesNewestFirst(memories []Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].CreatedAt > memories[j].CreatedAt
	})
}
