// Package auth maps caller identities onto sets of permitted operations.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mnemosdb/mnemos/src/storage"
)

// Permission names one operation class a caller may perform.
type Permission string

const (
	Select            Permission = "select"
	Insert            Permission = "insert"
	Update            Permission = "update"
	Delete            Permission = "delete"
	CreateNamespace   Permission = "create_namespace"
	DeleteNamespace   Permission = "delete_namespace"
	GenerateEmbedding Permission = "generate_embedding"
	SimilaritySearch  Permission = "similarity_search"
	InstallPackage    Permission = "install_package"
	ListPackages      Permission = "list_packages"
)

// All lists every known permission.
var All = []Permission{
	Select, Insert, Update, Delete,
	CreateNamespace, DeleteNamespace,
	GenerateEmbedding, SimilaritySearch,
	InstallPackage, ListPackages,
}

// ErrUnauthorized is returned when a caller lacks a required permission.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrUnknownCaller is returned for callers with no registered grants.
var ErrUnknownCaller = errors.New("auth: unknown caller")

const grantsPartition = "_auth"

// Manager keeps caller grants in memory and mirrors them into the storage
// engine when one is attached, so grants survive restarts.
type Manager struct {
	mu     sync.RWMutex
	grants map[string]map[Permission]struct{}
	store  storage.Partition
}

// NewManager creates an empty in-memory manager.
func NewManager() *Manager {
	return &Manager{grants: make(map[string]map[Permission]struct{})}
}

// NewPersistentManager loads existing grants from the engine's auth
// partition and writes every later change back to it.
func NewPersistentManager(ctx context.Context, engine storage.Engine) (*Manager, error) {
	part, err := engine.Partition(grantsPartition)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth partition: %w", err)
	}
	m := NewManager()
	m.store = part

	entries, err := part.Scan(ctx, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	for _, entry := range entries {
		var perms []Permission
		if err := json.Unmarshal(entry.Value, &perms); err != nil {
			return nil, fmt.Errorf("corrupt grant record for %q: %w", entry.Key, err)
		}
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		m.grants[string(entry.Key)] = set
	}
	return m, nil
}

// Grant adds permissions to a caller, creating the caller if needed.
func (m *Manager) Grant(ctx context.Context, caller string, perms ...Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[caller]
	if !ok {
		set = make(map[Permission]struct{})
		m.grants[caller] = set
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return m.persist(ctx, caller)
}

// Revoke removes permissions from a caller. Revoking the last permission
// keeps the caller registered with an empty set.
func (m *Manager) Revoke(ctx context.Context, caller string, perms ...Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[caller]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCaller, caller)
	}
	for _, p := range perms {
		delete(set, p)
	}
	return m.persist(ctx, caller)
}

// Check returns nil when the caller holds the permission and a wrapped
// ErrUnauthorized otherwise.
func (m *Manager) Check(caller string, perm Permission) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.grants[caller]
	if !ok {
		return fmt.Errorf("%w: caller %q has no grants", ErrUnauthorized, caller)
	}
	if _, ok := set[perm]; !ok {
		return fmt.Errorf("%w: caller %q lacks %q", ErrUnauthorized, caller, perm)
	}
	return nil
}

// Allowed reports whether the caller holds the permission.
func (m *Manager) Allowed(caller string, perm Permission) bool {
	return m.Check(caller, perm) == nil
}

// Permissions returns the caller's grants sorted by name.
func (m *Manager) Permissions(caller string) []Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.grants[caller]
	if !ok {
		return nil
	}
	perms := make([]Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// persist mirrors a caller's grant set into storage. Callers must hold mu.
func (m *Manager) persist(ctx context.Context, caller string) error {
	if m.store == nil {
		return nil
	}
	set := m.grants[caller]
	perms := make([]Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	doc, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, []byte(caller), doc); err != nil {
		return fmt.Errorf("failed to persist grants for %q: %w", caller, err)
	}
	return nil
}

// ParsePermission maps a wire name onto a Permission.
func ParsePermission(s string) (Permission, error) {
	for _, p := range All {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("auth: unknown permission %q", s)
}
