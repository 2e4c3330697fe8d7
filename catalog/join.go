package catalog

import (
	"runtime"

	"github.com/wolfeidau/pkgdash"
	"golang.org/x/sync/errgroup"
)

// Join filters a catalog down to the installed set, producing one
// package per installed name found in the catalog. Each result carries
// the installed version from the local enumeration and the latest
// version and description from the catalog entry.
//
// The catalog is typically one to two orders of magnitude larger than
// the installed set, so the filter fans out in contiguous chunks
// across the available CPUs. Output order follows catalog order
// regardless of how the chunks are scheduled.
func Join(entries []Entry, installed map[string]string, source pkgdash.Source) []pkgdash.Package {
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 || len(entries) < 2*workers {
		return joinRange(entries, installed, source)
	}

	chunk := (len(entries) + workers - 1) / workers
	results := make([][]pkgdash.Package, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(entries))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			results[w] = joinRange(entries[lo:hi], installed, source)
			return nil
		})
	}
	// Workers only filter in-memory slices; they cannot fail.
	_ = g.Wait()

	var out []pkgdash.Package
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func joinRange(entries []Entry, installed map[string]string, source pkgdash.Source) []pkgdash.Package {
	var out []pkgdash.Package
	for _, e := range entries {
		version, ok := installed[e.Name]
		if !ok {
			continue
		}
		out = append(out, pkgdash.Package{
			Name:             e.Name,
			Source:           source,
			InstalledVersion: version,
			LatestVersion:    e.Latest,
			Description:      e.Description,
		})
	}
	return out
}
