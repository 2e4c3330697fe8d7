package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pkgdash"
)

func TestJoinProducesEnrichedPackage(t *testing.T) {
	entries := []Entry{
		{Name: "curl", Latest: "8.7.1", Description: "command line tool for transferring data"},
		{Name: "wget", Latest: "1.22", Description: "retrieve files"},
		{Name: "zsh", Latest: "5.9", Description: "shell"},
	}
	installed := map[string]string{"wget": "1.21"}

	got := Join(entries, installed, pkgdash.SourceHomebrew)

	require.Equal(t, []pkgdash.Package{{
		Name:             "wget",
		Source:           pkgdash.SourceHomebrew,
		InstalledVersion: "1.21",
		LatestVersion:    "1.22",
		Description:      "retrieve files",
	}}, got)
	require.True(t, got[0].Outdated())
}

func TestJoinEmptyInstalledSet(t *testing.T) {
	entries := []Entry{{Name: "wget", Latest: "1.22"}}

	require.Empty(t, Join(entries, nil, pkgdash.SourceHomebrew))
	require.Empty(t, Join(entries, map[string]string{}, pkgdash.SourceHomebrew))
}

func TestJoinMatchesSequentialReference(t *testing.T) {
	// A catalog two orders of magnitude larger than the installed set,
	// big enough to force the parallel chunked path.
	entries := make([]Entry, 10000)
	for i := range entries {
		entries[i] = Entry{
			Name:        fmt.Sprintf("pkg-%04d", i),
			Latest:      fmt.Sprintf("2.%d.0", i%7),
			Description: fmt.Sprintf("package number %d", i),
		}
	}

	installed := make(map[string]string, 100)
	for i := 0; i < 10000; i += 97 {
		installed[fmt.Sprintf("pkg-%04d", i)] = fmt.Sprintf("1.%d.0", i%5)
	}
	// Names not present in the catalog must simply not appear.
	installed["not-in-catalog"] = "0.1.0"

	want := joinRange(entries, installed, pkgdash.SourceCargo)
	got := Join(entries, installed, pkgdash.SourceCargo)

	require.Equal(t, want, got)
	require.Len(t, got, 104)
}

func TestJoinPreservesCatalogOrder(t *testing.T) {
	entries := make([]Entry, 5000)
	installed := make(map[string]string, 5000)
	for i := range entries {
		name := fmt.Sprintf("pkg-%04d", i)
		entries[i] = Entry{Name: name, Latest: "1.0.0"}
		installed[name] = "1.0.0"
	}

	got := Join(entries, installed, pkgdash.SourcePip)

	require.Len(t, got, 5000)
	for i, p := range got {
		require.Equal(t, fmt.Sprintf("pkg-%04d", i), p.Name)
	}
}
