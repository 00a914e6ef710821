// Package namespace tracks the isolated memory spaces of the engine. Each
// namespace pairs a key/value partition with a vector index of fixed
// dimensions, and its definition survives restarts through a metadata
// partition.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

var (
	ErrNotFound    = errors.New("namespace not found")
	ErrExists      = errors.New("namespace already exists")
	ErrInvalidName = errors.New("invalid namespace name")
)

// metaPartition holds one JSON document per namespace. The underscore keeps
// it out of the user-visible name space.
const metaPartition = "_metadata"

// State records whether a namespace is fully usable. A namespace becomes
// Degraded when a delete removed only part of its data; the only way out is
// another delete.
type State int

const (
	Active State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "active"
}

// Spec is the immutable definition of a namespace. Dimensions, metric and
// scalar are fixed at creation.
type Spec struct {
	Name       string        `json:"name"`
	Dimensions int           `json:"dimensions"`
	Metric     vector.Metric `json:"metric"`
	Scalar     vector.Scalar `json:"scalar"`
	State      State         `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Namespace is a live handle: the spec plus its storage partition and
// vector index.
type Namespace struct {
	Spec
	Store storage.Partition
	Index vector.Index
}

// PartialDeleteError reports a delete that removed some but not all of a
// namespace's data. The namespace stays registered in Degraded state.
type PartialDeleteError struct {
	Namespace    string
	VectorsGone  bool
	ContentsGone bool
	Err          error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("partial delete of namespace %q (vectors removed: %v, contents removed: %v): %v",
		e.Namespace, e.VectorsGone, e.ContentsGone, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

// IndexFactory builds the vector index for a new or reloaded namespace.
type IndexFactory func(ctx context.Context, spec Spec) (vector.Index, error)

// Registry is the authority on which namespaces exist.
type Registry struct {
	mu       sync.RWMutex
	engine   storage.Engine
	newIndex IndexFactory
	spaces   map[string]*Namespace
}

// NewRegistry loads any persisted namespace definitions from the engine's
// metadata partition and rebuilds their handles.
func NewRegistry(ctx context.Context, engine storage.Engine, newIndex IndexFactory) (*Registry, error) {
	r := &Registry{
		engine:   engine,
		newIndex: newIndex,
		spaces:   make(map[string]*Namespace),
	}
	meta, err := engine.Partition(metaPartition)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata partition: %w", err)
	}
	entries, err := meta.Scan(ctx, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace metadata: %w", err)
	}
	for _, entry := range entries {
		var spec Spec
		if err := json.Unmarshal(entry.Value, &spec); err != nil {
			log.Warn().Str("key", string(entry.Key)).Err(err).Msg("skipping unreadable namespace record")
			continue
		}
		ns, err := r.open(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen namespace %q: %w", spec.Name, err)
		}
		r.spaces[spec.Name] = ns
	}
	return r, nil
}

func (r *Registry) open(ctx context.Context, spec Spec) (*Namespace, error) {
	part, err := r.engine.Partition(spec.Name)
	if err != nil {
		return nil, err
	}
	ix, err := r.newIndex(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Namespace{Spec: spec, Store: part, Index: ix}, nil
}

// Namespace names become part of backend identifiers such as table names,
// so the character set is restricted up front.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Create registers a namespace with the given vector parameters. Names
// starting with an underscore are reserved, and only letters, digits,
// underscores and hyphens are accepted.
func (r *Registry) Create(ctx context.Context, name string, dims int, metric vector.Metric, scalar vector.Scalar) (*Namespace, error) {
	if name == "" || strings.HasPrefix(name, "_") || !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spaces[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}

	spec := Spec{
		Name:       name,
		Dimensions: dims,
		Metric:     metric,
		Scalar:     scalar,
		State:      Active,
		CreatedAt:  time.Now().UTC(),
	}
	ns, err := r.open(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, spec); err != nil {
		return nil, err
	}
	r.spaces[name] = ns
	log.Info().Str("namespace", name).Int("dimensions", dims).
		Str("metric", metric.String()).Msg("namespace created")
	return ns, nil
}

// Delete removes a namespace's vectors, contents and metadata. If only part
// of the data could be removed the namespace is kept in Degraded state and a
// PartialDeleteError is returned; calling Delete again retries the rest.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.spaces[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	vecErr := ns.Index.Drop(ctx)
	var contentErr error
	if vecErr == nil {
		contentErr = r.engine.DropPartition(name)
		if errors.Is(contentErr, storage.ErrPartitionNotFound) {
			contentErr = nil
		}
	}

	if vecErr != nil || contentErr != nil {
		ns.State = Degraded
		if err := r.persist(ctx, ns.Spec); err != nil {
			log.Error().Str("namespace", name).Err(err).Msg("failed to record degraded state")
		}
		cause := vecErr
		if cause == nil {
			cause = contentErr
		}
		return &PartialDeleteError{
			Namespace:    name,
			VectorsGone:  vecErr == nil,
			ContentsGone: contentErr == nil,
			Err:          cause,
		}
	}

	meta, err := r.engine.Partition(metaPartition)
	if err == nil {
		err = meta.Delete(ctx, []byte(name))
	}
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		ns.State = Degraded
		return &PartialDeleteError{
			Namespace:    name,
			VectorsGone:  true,
			ContentsGone: true,
			Err:          err,
		}
	}

	delete(r.spaces, name)
	log.Info().Str("namespace", name).Msg("namespace deleted")
	return nil
}

// Get returns the live handle for a namespace.
func (r *Registry) Get(name string) (*Namespace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.spaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return ns, nil
}

// Exists reports whether a namespace is registered, Degraded included.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spaces[name]
	return ok
}

// List returns all registered namespace specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.spaces))
	for _, ns := range r.spaces {
		specs = append(specs, ns.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Registry) persist(ctx context.Context, spec Spec) error {
	meta, err := r.engine.Partition(metaPartition)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if err := meta.Put(ctx, []byte(spec.Name), doc); err != nil {
		return fmt.Errorf("failed to persist namespace %q: %w", spec.Name, err)
	}
	return nil
}
