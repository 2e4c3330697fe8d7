// Package npm integrates globally installed npm packages.
package npm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/command"
	"github.com/wolfeidau/pkgdash/source"
	"golang.org/x/sync/errgroup"
)

const (
	listTimeout     = 30 * time.Second
	outdatedTimeout = 30 * time.Second
	viewTimeout     = 5 * time.Second
	installTimeout  = 3 * time.Minute

	describeConcurrency = 8
)

// Config configures the adapter.
type Config struct {
	Runner command.Runner
	Logger *slog.Logger
}

// Adapter drives the npm CLI for globally installed packages.
type Adapter struct {
	runner command.Runner
	logger *slog.Logger
}

var (
	_ source.Adapter         = (*Adapter)(nil)
	_ source.OutdatedChecker = (*Adapter)(nil)
	_ source.Describer       = (*Adapter)(nil)
	_ source.Operator        = (*Adapter)(nil)
)

// New creates the npm adapter.
func New(cfg Config) *Adapter {
	if cfg.Runner == nil {
		cfg.Runner = command.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{runner: cfg.Runner, logger: cfg.Logger}
}

// Source implements source.Adapter.
func (a *Adapter) Source() pkgdash.Source {
	return pkgdash.SourceNPM
}

// Available implements source.Adapter.
func (a *Adapter) Available(_ context.Context) bool {
	return a.runner.Available("npm")
}

// List enumerates globally installed packages.
func (a *Adapter) List(ctx context.Context) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "npm", []string{"list", "-g", "--depth=0", "--json"}, listTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("npm list: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	var payload struct {
		Dependencies map[string]struct {
			Version string `json:"version"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal(out.Stdout, &payload); err != nil {
		return nil, &pkgdash.ParseError{Origin: "npm list", Err: err}
	}

	pkgs := make([]pkgdash.Package, 0, len(payload.Dependencies))
	for name, info := range payload.Dependencies {
		if info.Version == "" {
			continue
		}
		pkgs = append(pkgs, pkgdash.Package{
			Name:             name,
			Source:           pkgdash.SourceNPM,
			InstalledVersion: info.Version,
		})
	}
	return pkgs, nil
}

// CheckOutdated resolves latest versions with one `npm outdated` call.
// npm exits 1 whenever anything is outdated, so the exit code is not
// checked; an unparseable payload is.
func (a *Adapter) CheckOutdated(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "npm", []string{"outdated", "-g", "--json"}, outdatedTimeout)
	if err != nil {
		return nil, err
	}

	stdout := strings.TrimSpace(string(out.Stdout))
	if stdout == "" || stdout == "{}" {
		return slices.Clone(pkgs), nil
	}

	var outdated map[string]struct {
		Latest string `json:"latest"`
	}
	if err := json.Unmarshal([]byte(stdout), &outdated); err != nil {
		return nil, &pkgdash.ParseError{Origin: "npm outdated", Err: err}
	}

	updated := slices.Clone(pkgs)
	for i := range updated {
		if info, ok := outdated[updated[i].Name]; ok && info.Latest != "" {
			updated[i].LatestVersion = info.Latest
		}
	}
	return updated, nil
}

// Describe fills in descriptions via `npm view`, with bounded
// concurrency against the registry.
func (a *Adapter) Describe(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	updated := slices.Clone(pkgs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)

	for i := range updated {
		if updated[i].Description != "" {
			continue
		}
		g.Go(func() error {
			out, err := a.runner.Run(ctx, "npm", []string{"view", updated[i].Name, "description"}, viewTimeout)
			if err != nil || !out.Success() {
				a.logger.Debug("describe failed", "source", a.Source(), "package", updated[i].Name, "error", err)
				return nil
			}
			if desc := strings.TrimSpace(string(out.Stdout)); desc != "" {
				updated[i].Description = desc
			}
			return nil
		})
	}
	_ = g.Wait()

	return updated, nil
}

// Update implements source.Operator. Installing name@latest is how npm
// upgrades a global package.
func (a *Adapter) Update(ctx context.Context, name string) error {
	return a.run(ctx, "install", "-g", name+"@latest")
}

// Install implements source.Operator.
func (a *Adapter) Install(ctx context.Context, name string) error {
	return a.run(ctx, "install", "-g", name)
}

// Uninstall implements source.Operator.
func (a *Adapter) Uninstall(ctx context.Context, name string) error {
	return a.run(ctx, "uninstall", "-g", name)
}

func (a *Adapter) run(ctx context.Context, args ...string) error {
	out, err := a.runner.Run(ctx, "npm", args, installTimeout)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("npm %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}
