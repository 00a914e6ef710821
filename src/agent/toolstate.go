package agent

import (
	"context"
	"errors"

	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/vector"
)

// ToolStateNamespace holds scratch state for every tool, keyed by tool name
// prefixes. Created lazily on first write.
const ToolStateNamespace = "tool_state"

// ToolState gives each tool its own key prefix inside a shared namespace.
type ToolState struct {
	registry *namespace.Registry
	dims     int
}

func NewToolState(registry *namespace.Registry, dims int) *ToolState {
	return &ToolState{registry: registry, dims: dims}
}

func (t *ToolState) space(ctx context.Context, create bool) (*namespace.Namespace, error) {
	if ns, err := t.registry.Get(ToolStateNamespace); err == nil {
		return ns, nil
	} else if !create {
		return nil, err
	}
	ns, err := t.registry.Create(ctx, ToolStateNamespace, t.dims, vector.Cosine, vector.F32)
	if err != nil {
		if errors.Is(err, namespace.ErrExists) {
			return t.registry.Get(ToolStateNamespace)
		}
		return nil, err
	}
	return ns, nil
}

func toolKey(tool, key string) []byte { return []byte(tool + ":" + key) }

func (t *ToolState) Set(ctx context.Context, tool, key, value string) error {
	space, err := t.space(ctx, true)
	if err != nil {
		return err
	}
	return space.Store.Put(ctx, toolKey(tool, key), []byte(value))
}

func (t *ToolState) Get(ctx context.Context, tool, key string) (string, error) {
	space, err := t.space(ctx, false)
	if err != nil {
		return "", err
	}
	value, err := space.Store.Get(ctx, toolKey(tool, key))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *ToolState) Delete(ctx context.Context, tool, key string) error {
	space, err := t.space(ctx, false)
	if err != nil {
		return err
	}
	return space.Store.Delete(ctx, toolKey(tool, key))
}
