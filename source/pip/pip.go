// Package pip integrates packages installed with pip3.
package pip

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
	showTimeout     = 10 * time.Second
	installTimeout  = 5 * time.Minute
	describeWorkers = 8
)

// Config configures the adapter.
type Config struct {
	Runner command.Runner

	Logger *slog.Logger
}

// Adapter drives the pip3 CLI.
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

// New creates the pip adapter.
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
	return pkgdash.SourcePip
}

// Available implements source.Adapter.
func (a *Adapter) Available(_ context.Context) bool {
	return a.runner.Available("pip3")
}

type listedPackage struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	LatestVersion string `json:"latest_version"`
}

// List enumerates installed pip packages.
func (a *Adapter) List(ctx context.Context) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "pip3", []string{"list", "--format=json"}, listTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("pip3 list: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	var listed []listedPackage
	if err := json.Unmarshal(out.Stdout, &listed); err != nil {
		return nil, &pkgdash.ParseError{Origin: "pip3 list", Err: err}
	}

	pkgs := make([]pkgdash.Package, 0, len(listed))
	for _, l := range listed {
		pkgs = append(pkgs, pkgdash.Package{
			Name:             l.Name,
			Source:           pkgdash.SourcePip,
			InstalledVersion: l.Version,
		})
	}
	return pkgs, nil
}

// CheckOutdated implements source.OutdatedChecker using
// `pip3 list --outdated`.
func (a *Adapter) CheckOutdated(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "pip3", []string{"list", "--outdated", "--format=json"}, listTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("pip3 list --outdated: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	var outdated []listedPackage
	if err := json.Unmarshal(out.Stdout, &outdated); err != nil {
		return nil, &pkgdash.ParseError{Origin: "pip3 list --outdated", Err: err}
	}

	latest := make(map[string]string, len(outdated))
	for _, o := range outdated {
		latest[o.Name] = o.LatestVersion
	}

	updated := slices.Clone(pkgs)
	for i := range updated {
		if v, ok := latest[updated[i].Name]; ok {
			updated[i].LatestVersion = v
		}
	}
	return updated, nil
}

// Describe fills in summaries via `pip3 show` with bounded concurrency.
func (a *Adapter) Describe(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	updated := slices.Clone(pkgs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(describeWorkers)

	for i := range updated {
		if updated[i].Description != "" {
			continue
		}
		g.Go(func() error {
			summary, err := a.describeOne(ctx, updated[i].Name)
			if err != nil {
				a.logger.Debug("describe failed", "source", a.Source(), "package", updated[i].Name, "error", err)
				return nil
			}
			updated[i].Description = summary
			return nil
		})
	}
	_ = g.Wait()

	return updated, nil
}

func (a *Adapter) describeOne(ctx context.Context, name string) (string, error) {
	out, err := a.runner.Run(ctx, "pip3", []string{"show", name}, showTimeout)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", fmt.Errorf("pip3 show %s: exit %d", name, out.ExitCode)
	}
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if after, ok := strings.CutPrefix(line, "Summary:"); ok {
			return strings.TrimSpace(after), nil
		}
	}
	return "", nil
}

// Update implements source.Operator.
func (a *Adapter) Update(ctx context.Context, name string) error {
	return a.run(ctx, "install", "--upgrade", name)
}

// Install implements source.Operator.
func (a *Adapter) Install(ctx context.Context, name string) error {
	return a.run(ctx, "install", name)
}

// Uninstall implements source.Operator.
func (a *Adapter) Uninstall(ctx context.Context, name string) error {
	return a.run(ctx, "uninstall", "-y", name)
}

func (a *Adapter) run(ctx context.Context, args ...string) error {
	out, err := a.runner.Run(ctx, "pip3", args, installTimeout)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("pip3 %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}
