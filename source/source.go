// Package source defines the adapter contract each package-manager
// integration implements, and the registry the orchestrator discovers
// adapters through. Capabilities beyond listing are optional and
// detected by interface assertion, so a source that cannot check for
// outdated packages simply skips that phase.
package source

import (
	"context"
	"sync"

	"github.com/wolfeidau/pkgdash"
)

// Adapter is the minimum contract for a package source: report whether
// the backing tool exists and enumerate installed packages.
type Adapter interface {
	Source() pkgdash.Source

	// Available reports whether the backing tool can run at all. An
	// unavailable adapter contributes zero packages and no error.
	Available(ctx context.Context) bool

	// List enumerates installed packages. A fast-path implementation
	// may return packages already enriched with latest versions and
	// descriptions.
	List(ctx context.Context) ([]pkgdash.Package, error)
}

// OutdatedChecker is implemented by adapters that can resolve latest
// versions for listed packages.
type OutdatedChecker interface {
	CheckOutdated(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error)
}

// Describer is implemented by adapters that can fill in human-readable
// descriptions for packages missing one.
type Describer interface {
	Describe(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error)
}

// Operator is implemented by adapters that support mutating a single
// package.
type Operator interface {
	Update(ctx context.Context, name string) error
	Install(ctx context.Context, name string) error
	Uninstall(ctx context.Context, name string) error
}

// Refresher is implemented by adapters that cache upstream catalogs
// and can be told to bypass the cache for one cycle.
type Refresher interface {
	RefreshCatalog()
}

// Registry holds the known adapters, keyed by source tag. Adding a
// source means registering one adapter, not editing call sites.
type Registry struct {
	mu       sync.Mutex
	adapters map[pkgdash.Source]Adapter
	order    []pkgdash.Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[pkgdash.Source]Adapter)}
}

// Register adds an adapter, replacing any previous adapter for the
// same source.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := a.Source()
	if _, ok := r.adapters[src]; !ok {
		r.order = append(r.order, src)
	}
	r.adapters[src] = a
}

// Lookup returns the adapter for src.
func (r *Registry) Lookup(src pkgdash.Source) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.adapters[src]
	return a, ok
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Adapter, 0, len(r.order))
	for _, src := range r.order {
		out = append(out, r.adapters[src])
	}
	return out
}

// Detect returns the registered adapters whose backing tools are
// available, in registration order.
func (r *Registry) Detect(ctx context.Context) []Adapter {
	var out []Adapter
	for _, a := range r.All() {
		if a.Available(ctx) {
			out = append(out, a)
		}
	}
	return out
}
