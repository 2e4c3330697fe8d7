package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pkgdash"
)

func TestMergeIsIdempotent(t *testing.T) {
	s := New()
	pkgs := []pkgdash.Package{
		{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"},
		{Name: "jq", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.7"},
	}

	s.Merge(pkgs)
	first := s.Snapshot()

	s.Merge(pkgs)
	require.Equal(t, first, s.Snapshot())
}

func TestMergeKeepsOnePackagePerKey(t *testing.T) {
	s := New()

	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.20"}})
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"}})
	// Same name from a different source is a different package.
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourcePip, InstalledVersion: "3.2"}})

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	got, ok := s.Get(pkgdash.Key{Name: "wget", Source: pkgdash.SourceHomebrew})
	require.True(t, ok)
	require.Equal(t, "1.21", got.InstalledVersion)
}

func TestMergePreservesEarlierEnrichment(t *testing.T) {
	s := New()

	s.Merge([]pkgdash.Package{{
		Name: "wget", Source: pkgdash.SourceHomebrew,
		InstalledVersion: "1.21", LatestVersion: "1.22",
		Description: "retrieve files", UsedIn: []string{"/home/dev/site"},
	}})

	// A later phase rewrite that carries only the list-phase fields
	// must not erase what earlier phases filled in.
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"}})

	got, ok := s.Get(pkgdash.Key{Name: "wget", Source: pkgdash.SourceHomebrew})
	require.True(t, ok)
	require.Equal(t, "1.22", got.LatestVersion)
	require.Equal(t, "retrieve files", got.Description)
	require.Equal(t, []string{"/home/dev/site"}, got.UsedIn)
}

func TestReplaceSourceDropsStalePackages(t *testing.T) {
	s := New()
	s.Merge([]pkgdash.Package{
		{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"},
		{Name: "jq", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.7"},
		{Name: "typescript", Source: pkgdash.SourceNPM, InstalledVersion: "5.6.2"},
	})

	s.ReplaceSource(pkgdash.SourceHomebrew, []pkgdash.Package{
		{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.22"},
	})

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	_, ok := s.Get(pkgdash.Key{Name: "jq", Source: pkgdash.SourceHomebrew})
	require.False(t, ok)

	// Other sources are untouched.
	_, ok = s.Get(pkgdash.Key{Name: "typescript", Source: pkgdash.SourceNPM})
	require.True(t, ok)
}

func TestMarkRemoved(t *testing.T) {
	s := New()
	key := pkgdash.Key{Name: "wget", Source: pkgdash.SourceHomebrew}
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"}})

	s.MarkRemoved(key, true)
	got, ok := s.Get(key)
	require.True(t, ok)
	require.True(t, got.Removed)

	s.MarkRemoved(key, false)
	got, _ = s.Get(key)
	require.False(t, got.Removed)
}

func TestMergePreservesRemovedFlag(t *testing.T) {
	s := New()
	key := pkgdash.Key{Name: "wget", Source: pkgdash.SourceHomebrew}
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"}})
	s.MarkRemoved(key, true)

	// An enrichment merge landing after a successful uninstall must not
	// unflag the package; it stays visible as removed until a rescan.
	s.Merge([]pkgdash.Package{{
		Name: "wget", Source: pkgdash.SourceHomebrew,
		InstalledVersion: "1.21", Description: "Internet file retriever",
	}})

	got, ok := s.Get(key)
	require.True(t, ok)
	require.True(t, got.Removed)
	require.Equal(t, "Internet file retriever", got.Description)
}

func TestReplaceSourceClearsRemovedFlag(t *testing.T) {
	s := New()
	key := pkgdash.Key{Name: "wget", Source: pkgdash.SourceHomebrew}
	s.Merge([]pkgdash.Package{{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"}})
	s.MarkRemoved(key, true)

	// The package showing up in a fresh listing means it was installed
	// again outside the dashboard.
	s.ReplaceSource(pkgdash.SourceHomebrew, []pkgdash.Package{
		{Name: "wget", Source: pkgdash.SourceHomebrew, InstalledVersion: "1.21"},
	})

	got, ok := s.Get(key)
	require.True(t, ok)
	require.False(t, got.Removed)
}

func TestSetUsages(t *testing.T) {
	s := New()
	key := pkgdash.Key{Name: "typescript", Source: pkgdash.SourceNPM}
	s.Merge([]pkgdash.Package{{Name: "typescript", Source: pkgdash.SourceNPM, InstalledVersion: "5.6.2"}})

	s.SetUsages(map[pkgdash.Key][]string{
		key: {"/home/dev/site", "/home/dev/api"},
		{Name: "ghost", Source: pkgdash.SourceNPM}: {"/ignored"},
	})

	got, ok := s.Get(key)
	require.True(t, ok)
	require.Equal(t, []string{"/home/dev/site", "/home/dev/api"}, got.UsedIn)
}

func TestSnapshotIsSortedAndDetached(t *testing.T) {
	s := New()
	s.Merge([]pkgdash.Package{
		{Name: "zsh", Source: pkgdash.SourceHomebrew, InstalledVersion: "5.9"},
		{Name: "bat", Source: pkgdash.SourceCargo, InstalledVersion: "0.24.0"},
		{Name: "awscli", Source: pkgdash.SourceHomebrew, InstalledVersion: "2.17.0"},
	})

	snap := s.Snapshot()
	require.Equal(t, []string{"bat", "awscli", "zsh"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})

	// Mutating the snapshot must not leak into the store.
	snap[0].InstalledVersion = "tampered"
	got, _ := s.Get(pkgdash.Key{Name: "bat", Source: pkgdash.SourceCargo})
	require.Equal(t, "0.24.0", got.InstalledVersion)
}

func TestConcurrentMergesAndSnapshots(t *testing.T) {
	s := New()
	sources := []pkgdash.Source{pkgdash.SourceHomebrew, pkgdash.SourceNPM, pkgdash.SourceCargo, pkgdash.SourcePip}

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pkgs := make([]pkgdash.Package, 0, 10)
				for j := 0; j < 10; j++ {
					pkgs = append(pkgs, pkgdash.Package{
						Name:             fmt.Sprintf("pkg-%d", j),
						Source:           src,
						InstalledVersion: fmt.Sprintf("1.0.%d", i),
					})
				}
				s.Merge(pkgs)
			}
		}()
	}

	// One high-frequency reader alongside the writers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, p := range s.Snapshot() {
				if p.Name == "" || p.Source == "" {
					t.Error("observed partially written package")
					return
				}
			}
		}
	}()

	wg.Wait()
	require.Equal(t, len(sources)*10, s.Len())
}
