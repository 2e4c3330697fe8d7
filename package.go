// Package pkgdash defines the domain model shared by the scan
// orchestrator, the package store and the per-source adapters.
package pkgdash

// Source identifies which package manager a package came from.
type Source string

// The supported package sources.
const (
	SourceHomebrew Source = "homebrew"
	SourceNPM      Source = "npm"
	SourceCargo    Source = "cargo"
	SourcePip      Source = "pip"
)

func (s Source) String() string {
	return string(s)
}

// Key uniquely identifies a package. Names are unique within a source
// but not globally, so the pair is the identity.
type Key struct {
	Name   string
	Source Source
}

func (k Key) String() string {
	return string(k.Source) + "/" + k.Name
}

// Package is one installed unit from one source. It is created by the
// list phase and progressively enriched by the outdated, description
// and usage phases.
type Package struct {
	Name             string   `json:"name"`
	Source           Source   `json:"source"`
	InstalledVersion string   `json:"installed_version"`
	LatestVersion    string   `json:"latest_version,omitempty"`
	Description      string   `json:"description,omitempty"`
	UsedIn           []string `json:"used_in,omitempty"`

	// Removed marks a package whose uninstall succeeded. It stays
	// visible until the next full scan so a reinstall can be offered.
	Removed bool `json:"removed,omitempty"`
}

// Key returns the package's identity.
func (p Package) Key() Key {
	return Key{Name: p.Name, Source: p.Source}
}

// Outdated reports whether a newer version is known upstream. It is
// derived, never stored: true iff a latest version is present and
// differs from the installed one.
func (p Package) Outdated() bool {
	return p.LatestVersion != "" && p.LatestVersion != p.InstalledVersion
}

// OperationKind is a mutating per-package action dispatched to the
// package's source adapter.
type OperationKind string

// The supported operations.
const (
	OperationUpdate    OperationKind = "update"
	OperationInstall   OperationKind = "install"
	OperationUninstall OperationKind = "uninstall"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationUpdate, OperationInstall, OperationUninstall:
		return true
	}
	return false
}
