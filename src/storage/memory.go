package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryEngine implements Engine for tests and lightweight embedded
// deployments. Data lives for the process lifetime only.
type MemoryEngine struct {
	mu         sync.RWMutex
	partitions map[string]*memPartition
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{partitions: make(map[string]*memPartition)}
}

func (e *MemoryEngine) Partition(name string) (Partition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[name]
	if !ok {
		p = &memPartition{data: make(map[string][]byte)}
		e.partitions[name] = p
	}
	return p, nil
}

func (e *MemoryEngine) DropPartition(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[name]
	if !ok {
		return ErrPartitionNotFound
	}
	p.drop()
	delete(e.partitions, name)
	return nil
}

func (e *MemoryEngine) Flush() error { return nil }

func (e *MemoryEngine) Close() error { return nil }

type memPartition struct {
	mu      sync.RWMutex
	data    map[string][]byte
	dropped bool
}

func (p *memPartition) drop() {
	p.mu.Lock()
	p.dropped = true
	p.data = nil
	p.mu.Unlock()
}

func (p *memPartition) Put(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return ErrPartitionNotFound
	}
	p.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (p *memPartition) Get(_ context.Context, key []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dropped {
		return nil, ErrPartitionNotFound
	}
	v, ok := p.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (p *memPartition) Delete(_ context.Context, key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return ErrPartitionNotFound
	}
	delete(p.data, string(key))
	return nil
}

func (p *memPartition) Scan(_ context.Context, prefix []byte, limit int) ([]Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dropped {
		return nil, ErrPartitionNotFound
	}
	keys := make([]string, 0, len(p.data))
	for k := range p.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{
			Key:   []byte(k),
			Value: append([]byte(nil), p.data[k]...),
		})
	}
	return entries, nil
}

func (p *memPartition) BatchPut(ctx context.Context, entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return ErrPartitionNotFound
	}
	for _, ent := range entries {
		p.data[string(ent.Key)] = append([]byte(nil), ent.Value...)
	}
	return nil
}
