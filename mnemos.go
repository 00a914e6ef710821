// Package mnemos is the embedded engine facade: it wires storage, vector
// indexes, embedding, namespaces, auth and the execution scheduler into a
// single handle with execute/validate as the only entry points.
package mnemos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mnemosdb/mnemos/src/agent"
	"github.com/mnemosdb/mnemos/src/auth"
	"github.com/mnemosdb/mnemos/src/concurrent"
	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/query"
	"github.com/mnemosdb/mnemos/src/script"
	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

// Config selects the collaborators behind an Engine.
type Config struct {
	// StorageDriver is one of "memory", "postgres", "redis", "mongo".
	StorageDriver string
	// StorageDSN is the connection string for non-memory drivers.
	StorageDSN string
	// MongoDatabase names the database for the mongo driver.
	MongoDatabase string
	// VectorDriver is "memory" or "pgvector". pgvector requires the
	// postgres storage driver; indexes share its pool.
	VectorDriver string
	// EmbedDims sets the default namespace dimensionality.
	EmbedDims int
	// Embedder overrides provider auto-detection when non-nil.
	Embedder embed.Embedder
	// EmbedCacheSize caps the embedding memoization cache; zero or
	// negative disables it.
	EmbedCacheSize int
	// EmbedCacheTTL expires cached embeddings.
	EmbedCacheTTL time.Duration
	// PersistAuth mirrors caller grants into the storage engine.
	PersistAuth bool

	Query query.Config
}

func DefaultConfig() Config {
	return Config{
		StorageDriver:  "memory",
		VectorDriver:   "memory",
		EmbedDims:      768,
		EmbedCacheSize: 1024,
		EmbedCacheTTL:  time.Hour,
		Query:          query.DefaultConfig(),
	}
}

// Engine is the embedded database handle. It is safe for concurrent use;
// scripts sent to Execute are serialized on the scheduler's workers.
type Engine struct {
	cfg      Config
	store    storage.Engine
	registry *namespace.Registry
	embedder embed.Embedder
	auth     *auth.Manager
	memories *agent.MemoryBank
	convs    *agent.Conversations
	tools    *agent.ToolState
	executor *query.Executor
}

// Open builds the engine for the given configuration.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.EmbedDims <= 0 {
		cfg.EmbedDims = DefaultConfig().EmbedDims
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	factory, err := indexFactory(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry, err := namespace.NewRegistry(ctx, store, factory)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open namespace registry: %w", err)
	}

	embedder := cfg.Embedder
	if embedder == nil {
		embedder = embed.AutoEmbedder(cfg.EmbedDims)
	}
	limit := cfg.Query.MaxConcurrentEmbedding
	if limit <= 0 {
		limit = query.DefaultConfig().MaxConcurrentEmbedding
	}
	var limited embed.Embedder = embed.Limit(embedder, concurrent.NewLimiter(limit))
	if cfg.EmbedCacheSize > 0 {
		limited = embed.WithCache(limited, cfg.EmbedCacheSize, cfg.EmbedCacheTTL)
	}

	var authm *auth.Manager
	if cfg.PersistAuth {
		authm, err = auth.NewPersistentManager(ctx, store)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load caller grants: %w", err)
		}
	}

	memories := agent.NewMemoryBank(registry, limited)
	convs := agent.NewConversations(registry, limited, cfg.EmbedDims)
	tools := agent.NewToolState(registry, cfg.EmbedDims)

	bridge := script.NewBridge(script.Collaborators{
		Registry:      registry,
		Engine:        store,
		Embedder:      limited,
		Memory:        memories,
		Conversations: convs,
		ToolState:     tools,
		DefaultDims:   cfg.EmbedDims,
	})

	log.Info().
		Str("storage", cfg.StorageDriver).
		Str("vector", cfg.VectorDriver).
		Int("dims", cfg.EmbedDims).
		Msg("engine opened")

	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		embedder: limited,
		auth:     authm,
		memories: memories,
		convs:    convs,
		tools:    tools,
		executor: query.New(cfg.Query, bridge, authm),
	}, nil
}

func openStorage(ctx context.Context, cfg Config) (storage.Engine, error) {
	switch cfg.StorageDriver {
	case "", "memory":
		return storage.NewMemoryEngine(), nil
	case "postgres":
		return storage.NewPostgresEngine(ctx, cfg.StorageDSN)
	case "redis":
		return storage.NewRedisEngine(cfg.StorageDSN)
	case "mongo":
		db := cfg.MongoDatabase
		if db == "" {
			db = "mnemos"
		}
		return storage.NewMongoEngine(ctx, cfg.StorageDSN, db)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func indexFactory(cfg Config, store storage.Engine) (namespace.IndexFactory, error) {
	switch cfg.VectorDriver {
	case "", "memory":
		return func(_ context.Context, spec namespace.Spec) (vector.Index, error) {
			return vector.NewMemoryIndex(spec.Dimensions, spec.Metric), nil
		}, nil
	case "pgvector":
		pg, ok := store.(*storage.PostgresEngine)
		if !ok {
			return nil, errors.New("pgvector indexes require the postgres storage driver")
		}
		return func(ctx context.Context, spec namespace.Spec) (vector.Index, error) {
			return vector.NewPgvectorIndex(ctx, pg.Pool(), spec.Name, spec.Dimensions, spec.Metric)
		}, nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.VectorDriver)
	}
}

// Execute runs a script as the given caller and returns the normalized
// string result. Errors are *query.InvalidError or *script.RuntimeError.
func (e *Engine) Execute(ctx context.Context, source, caller string) (string, error) {
	return e.executor.Execute(ctx, source, caller)
}

// ExecuteJSON runs a script and unmarshals its result into out. Scripts
// returning a bare string must return valid JSON for this to succeed.
func (e *Engine) ExecuteJSON(ctx context.Context, source, caller string, out any) error {
	text, err := e.executor.Execute(ctx, source, caller)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return json.Unmarshal([]byte(text), out)
}

// Validate statically checks a script without running it.
func (e *Engine) Validate(source string) script.ValidationResult {
	return e.executor.Validate(source)
}

// CreateNamespace registers a namespace outside the script path.
func (e *Engine) CreateNamespace(ctx context.Context, name string, dims int, metric vector.Metric, scalar vector.Scalar) error {
	if dims <= 0 {
		dims = e.cfg.EmbedDims
	}
	_, err := e.registry.Create(ctx, name, dims, metric, scalar)
	return err
}

// DeleteNamespace removes a namespace and its vectors.
func (e *Engine) DeleteNamespace(ctx context.Context, name string) error {
	return e.registry.Delete(ctx, name)
}

// Namespaces lists registered namespace descriptors in name order.
func (e *Engine) Namespaces() []namespace.Spec {
	return e.registry.List()
}

// Memories exposes the typed memory layer for embedded callers.
func (e *Engine) Memories() *agent.MemoryBank { return e.memories }

// Conversations exposes the typed conversation layer.
func (e *Engine) Conversations() *agent.Conversations { return e.convs }

// ToolState exposes the typed tool-state layer.
func (e *Engine) ToolState() *agent.ToolState { return e.tools }

// Grant adds permissions to a caller. It fails when the engine was opened
// without auth.
func (e *Engine) Grant(ctx context.Context, caller string, perms ...auth.Permission) error {
	if e.auth == nil {
		return errors.New("engine opened without caller auth")
	}
	return e.auth.Grant(ctx, caller, perms...)
}

// Revoke removes permissions from a caller.
func (e *Engine) Revoke(ctx context.Context, caller string, perms ...auth.Permission) error {
	if e.auth == nil {
		return errors.New("engine opened without caller auth")
	}
	return e.auth.Revoke(ctx, caller, perms...)
}

// Close drains the scheduler, persists indexes and releases the storage
// engine.
func (e *Engine) Close(ctx context.Context) error {
	e.executor.Close()

	var firstErr error
	for _, spec := range e.registry.List() {
		ns, err := e.registry.Get(spec.Name)
		if err != nil {
			continue
		}
		if err := ns.Index.Persist(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to persist index %s: %w", spec.Name, err)
		}
	}
	if err := e.store.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// WaitReady blocks until the storage engine answers a health check or the
// deadline passes. Useful for daemons racing their backing services at boot.
func (e *Engine) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := e.store.Partition("_metadata")
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("storage engine not ready: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
