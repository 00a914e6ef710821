package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key is absent. Absence is always
// reported explicitly; a missing key never comes back as an empty value.
var ErrKeyNotFound = errors.New("storage: key not found")

// ErrPartitionNotFound is returned when operating on a dropped partition.
var ErrPartitionNotFound = errors.New("storage: partition not found")

// Entry is a single key-value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// Partition is one namespaced key-value slice of an Engine.
type Partition interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	// Scan returns entries whose key starts with prefix, in ascending key
	// order. limit <= 0 means no limit.
	Scan(ctx context.Context, prefix []byte, limit int) ([]Entry, error)
	// BatchPut writes all entries; backends commit atomically where the
	// underlying store supports it.
	BatchPut(ctx context.Context, entries []Entry) error
}

// Engine hands out named partitions. The namespace registry owns the mapping
// from namespace to partition name.
type Engine interface {
	Partition(name string) (Partition, error)
	DropPartition(name string) error
	Flush() error
	Close() error
}
