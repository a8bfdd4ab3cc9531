// Package component declares the execution engine the executor runs guests on.
//
// Compiling and sandboxing guest code is out of scope. A Component only has to produce Guest
// instances bound to a worker's host functions; Registry keeps components in memory.
package component

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/hostfn"
)

var (
	// ErrComponentNotFound indicates the component or version is unknown.
	ErrComponentNotFound = errors.New("component not found")

	// ErrFunctionNotExported indicates the guest has no such exported function.
	ErrFunctionNotExported = errors.New("function not exported")
)

// Guest is an instantiated component. Invoke is never called concurrently.
type Guest interface {
	Invoke(ctx context.Context, function string, params []byte) ([]byte, error)
}

// Factory instantiates a guest bound to a worker's host functions.
type Factory func(host *hostfn.Host) (Guest, error)

// Component is one version of a component.
type Component struct {
	ID      durable.ComponentID
	Version durable.ComponentVersion
	Size    uint64

	// InitialMemory is reported in the Create entry of new workers.
	InitialMemory uint64

	// Exports lists the functions callers may invoke.
	Exports []string

	Instantiate Factory
}

// Exported reports whether the function can be invoked.
func (c *Component) Exported(function string) bool {
	for _, e := range c.Exports {
		if e == function {
			return true
		}
	}
	return false
}

// Service resolves components. Implementations retry transient failures themselves.
type Service interface {
	// Get returns the given version.
	// Returns ErrComponentNotFound if it does not exist.
	Get(ctx context.Context, id durable.ComponentID, version durable.ComponentVersion) (*Component, error)

	// Latest returns the highest version.
	// Returns ErrComponentNotFound if the component has no versions.
	Latest(ctx context.Context, id durable.ComponentID) (*Component, error)
}

// Registry is an in-memory Service.
type Registry struct {
	mu         sync.RWMutex
	components map[durable.ComponentID]map[durable.ComponentVersion]*Component
}

var _ Service = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[durable.ComponentID]map[durable.ComponentVersion]*Component)}
}

// Register adds or replaces a component version.
func (r *Registry) Register(c *Component) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.components[c.ID]
	if !ok {
		versions = make(map[durable.ComponentVersion]*Component)
		r.components[c.ID] = versions
	}
	versions[c.Version] = c
}

// Get implements Service.
func (r *Registry) Get(ctx context.Context, id durable.ComponentID, version durable.ComponentVersion) (*Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[id][version]
	if !ok {
		return nil, fmt.Errorf("%s version %d: %w", id, version, ErrComponentNotFound)
	}
	return c, nil
}

// Latest implements Service.
func (r *Registry) Latest(ctx context.Context, id durable.ComponentID) (*Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.components[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrComponentNotFound)
	}
	keys := make([]durable.ComponentVersion, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return versions[keys[len(keys)-1]], nil
}
