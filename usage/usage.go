// Package usage discovers which local projects reference installed
// packages by walking project directories for dependency manifests.
package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wolfeidau/pkgdash"
)

// DefaultMaxDepth bounds how far below each configured root the
// scanner descends.
const DefaultMaxDepth = 3

// Directories that never contain project manifests worth reading.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// Config configures a Scanner.
type Config struct {
	// Dirs are the roots to walk for project manifests.
	Dirs []string

	// MaxDepth bounds descent below each root. Defaults to
	// DefaultMaxDepth.
	MaxDepth int

	Logger *slog.Logger
}

// Scanner walks project directories and reports which projects
// reference which installed packages.
type Scanner struct {
	dirs     []string
	maxDepth int
	logger   *slog.Logger
}

// New creates a Scanner.
func New(cfg Config) *Scanner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{dirs: cfg.Dirs, maxDepth: cfg.MaxDepth, logger: cfg.Logger}
}

// Scan walks the configured roots and returns, for each installed
// package referenced by at least one project manifest, the sorted list
// of project directories that reference it. Unreadable files and
// directories are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, pkgs []pkgdash.Package) (map[pkgdash.Key][]string, error) {
	bySource := make(map[pkgdash.Source]map[string]pkgdash.Key)
	for _, p := range pkgs {
		m := bySource[p.Source]
		if m == nil {
			m = make(map[string]pkgdash.Key)
			bySource[p.Source] = m
		}
		m[normalizeName(p.Source, p.Name)] = p.Key()
	}

	found := make(map[pkgdash.Key]map[string]bool)

	for _, root := range s.dirs {
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				s.logger.Debug("usage walk error", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				name := d.Name()
				if path != root && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
					return fs.SkipDir
				}
				if depth(root, path) > s.maxDepth {
					return fs.SkipDir
				}
				return nil
			}

			src, parse := manifestKind(d.Name())
			if parse == nil {
				return nil
			}
			names, ok := bySource[src]
			if !ok || len(names) == 0 {
				return nil
			}

			referenced, err := parse(path)
			if err != nil {
				s.logger.Debug("manifest unreadable", "path", path, "error", err)
				return nil
			}

			project := filepath.Dir(path)
			for _, ref := range referenced {
				key, ok := names[normalizeName(src, ref)]
				if !ok {
					continue
				}
				if found[key] == nil {
					found[key] = make(map[string]bool)
				}
				found[key][project] = true
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	usages := make(map[pkgdash.Key][]string, len(found))
	for key, projects := range found {
		dirs := make([]string, 0, len(projects))
		for dir := range projects {
			dirs = append(dirs, dir)
		}
		slices.Sort(dirs)
		usages[key] = dirs
	}
	return usages, nil
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// normalizeName folds names the way the package manager compares them.
// Pip treats names case-insensitively with `-` and `_` interchangeable.
func normalizeName(src pkgdash.Source, name string) string {
	if src == pkgdash.SourcePip {
		return strings.ReplaceAll(strings.ToLower(name), "_", "-")
	}
	return name
}

type parseFunc func(path string) ([]string, error)

func manifestKind(filename string) (pkgdash.Source, parseFunc) {
	switch filename {
	case "package.json":
		return pkgdash.SourceNPM, parsePackageJSON
	case "Cargo.toml":
		return pkgdash.SourceCargo, parseCargoTOML
	case "requirements.txt":
		return pkgdash.SourcePip, parseRequirements
	case "Pipfile":
		return pkgdash.SourcePip, parsePipfile
	default:
		return "", nil
	}
}

func parsePackageJSON(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(manifest.Dependencies)+len(manifest.DevDependencies))
	for name := range manifest.Dependencies {
		names = append(names, name)
	}
	for name := range manifest.DevDependencies {
		names = append(names, name)
	}
	return names, nil
}

var cargoDepSections = map[string]bool{
	"[dependencies]":       true,
	"[dev-dependencies]":   true,
	"[build-dependencies]": true,
}

func parseCargoTOML(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	inDeps := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			inDeps = cargoDepSections[line]
			continue
		}
		if !inDeps || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		// Keys like `serde.workspace = true` reference the crate
		// before the first dot.
		name, _, _ = strings.Cut(strings.TrimSpace(name), ".")
		if name = strings.Trim(name, `"`); name != "" {
			names = append(names, name)
		}
	}
	return names, sc.Err()
}

func parseRequirements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if name := requirementName(line); name != "" {
			names = append(names, name)
		}
	}
	return names, sc.Err()
}

// requirementName strips version specifiers, extras and environment
// markers from a requirement line, leaving the bare package name.
func requirementName(line string) string {
	end := len(line)
	for i, r := range line {
		if strings.ContainsRune("=<>!~[; ", r) {
			end = i
			break
		}
	}
	return line[:end]
}

var pipfileDepSections = map[string]bool{
	"[packages]":     true,
	"[dev-packages]": true,
}

func parsePipfile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	inDeps := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			inDeps = pipfileDepSections[line]
			continue
		}
		if !inDeps || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if name = strings.Trim(strings.TrimSpace(name), `"`); name != "" {
			names = append(names, name)
		}
	}
	return names, sc.Err()
}
