// Package store holds the shared, continuously enriched view of every
// discovered package. Many adapter goroutines merge into it while the
// presentation layer reads snapshots at high frequency; writers hold
// the lock only for the in-memory upsert, so a reader is never blocked
// for more than an instant.
package store

import (
	"sort"
	"sync"

	"github.com/wolfeidau/pkgdash"
)

// Store is the single mutable collection of discovered packages,
// keyed by (name, source).
type Store struct {
	mu       sync.RWMutex
	packages map[pkgdash.Key]pkgdash.Package
}

// New creates an empty store.
func New() *Store {
	return &Store{packages: make(map[pkgdash.Key]pkgdash.Package)}
}

// Merge upserts pkgs by key with last-writer-wins semantics. Fields a
// later phase has not filled in do not erase earlier enrichment: an
// empty latest version, description or usage list preserves the stored
// value.
func (s *Store) Merge(pkgs []pkgdash.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pkgs {
		s.upsertLocked(p)
	}
}

// ReplaceSource merges pkgs and drops previously stored packages for
// source that are absent from pkgs. The list phase uses it so packages
// uninstalled outside the dashboard disappear on the next scan.
func (s *Store) ReplaceSource(source pkgdash.Source, pkgs []pkgdash.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[pkgdash.Key]struct{}, len(pkgs))
	for _, p := range pkgs {
		seen[p.Key()] = struct{}{}
		s.upsertLocked(p)
		// A fresh listing proves the package is installed again.
		if cur := s.packages[p.Key()]; cur.Removed {
			cur.Removed = false
			s.packages[p.Key()] = cur
		}
	}
	for key, cur := range s.packages {
		if cur.Source != source {
			continue
		}
		if _, ok := seen[key]; !ok {
			delete(s.packages, key)
		}
	}
}

func (s *Store) upsertLocked(p pkgdash.Package) {
	key := p.Key()
	cur, ok := s.packages[key]
	if !ok {
		s.packages[key] = p
		return
	}

	if p.InstalledVersion == "" {
		p.InstalledVersion = cur.InstalledVersion
	}
	if p.LatestVersion == "" {
		p.LatestVersion = cur.LatestVersion
	}
	if p.Description == "" {
		p.Description = cur.Description
	}
	if p.UsedIn == nil {
		p.UsedIn = cur.UsedIn
	}
	// Only MarkRemoved and ReplaceSource change removal state, so an
	// enrichment merge racing a finished uninstall cannot unflag it.
	p.Removed = cur.Removed
	s.packages[key] = p
}

// MarkRemoved flags or unflags the package as uninstalled while
// keeping it visible until the next full scan.
func (s *Store) MarkRemoved(key pkgdash.Key, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.packages[key]; ok {
		cur.Removed = removed
		s.packages[key] = cur
	}
}

// SetUsages records the project locations referencing each package.
func (s *Store) SetUsages(usages map[pkgdash.Key][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, locations := range usages {
		if cur, ok := s.packages[key]; ok {
			cur.UsedIn = locations
			s.packages[key] = cur
		}
	}
}

// Get returns the stored package for key.
func (s *Store) Get(key pkgdash.Key) (pkgdash.Package, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[key]
	return p, ok
}

// Snapshot returns a copy of every stored package, sorted by source
// then name. The result is detached from the store, so callers never
// observe a partially applied merge.
func (s *Store) Snapshot() []pkgdash.Package {
	s.mu.RLock()
	out := make([]pkgdash.Package, 0, len(s.packages))
	for _, p := range s.packages {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of stored packages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.packages)
}
