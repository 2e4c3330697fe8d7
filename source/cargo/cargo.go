// Package cargo integrates binaries installed with `cargo install`.
// Cargo has no reliable outdated check for installed binaries, so the
// adapter deliberately does not implement that capability; the
// orchestrator skips the phase.
package cargo

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/command"
	"github.com/wolfeidau/pkgdash/fetch"
	"github.com/wolfeidau/pkgdash/source"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRegistryURL is the crates.io API root used for
	// descriptions.
	DefaultRegistryURL = "https://crates.io/api/v1/crates"

	listTimeout    = 30 * time.Second
	installTimeout = 5 * time.Minute

	describeConcurrency = 8
)

// Config configures the adapter.
type Config struct {
	Runner command.Runner

	// Client queries the crates.io API for descriptions.
	Client *fetch.Client

	// RegistryURL overrides the crates.io API root.
	RegistryURL string

	Logger *slog.Logger
}

// Adapter drives the cargo CLI and the crates.io API.
type Adapter struct {
	runner      command.Runner
	client      *fetch.Client
	registryURL string
	logger      *slog.Logger
}

var (
	_ source.Adapter   = (*Adapter)(nil)
	_ source.Describer = (*Adapter)(nil)
	_ source.Operator  = (*Adapter)(nil)
)

// New creates the cargo adapter.
func New(cfg Config) *Adapter {
	if cfg.Runner == nil {
		cfg.Runner = command.ExecRunner{}
	}
	if cfg.Client == nil {
		cfg.Client = fetch.New()
	}
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = DefaultRegistryURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		runner:      cfg.Runner,
		client:      cfg.Client,
		registryURL: strings.TrimSuffix(cfg.RegistryURL, "/"),
		logger:      cfg.Logger,
	}
}

// Source implements source.Adapter.
func (a *Adapter) Source() pkgdash.Source {
	return pkgdash.SourceCargo
}

// Available implements source.Adapter.
func (a *Adapter) Available(_ context.Context) bool {
	return a.runner.Available("cargo")
}

// List enumerates installed cargo binaries. Package lines look like
// "ripgrep v14.1.0:"; the indented lines below each are the binaries
// it provides.
func (a *Adapter) List(ctx context.Context) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "cargo", []string{"install", "--list"}, listTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("cargo install --list: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	var pkgs []pkgdash.Package
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if strings.HasPrefix(line, " ") {
			continue
		}
		stripped, ok := strings.CutSuffix(strings.TrimRight(line, " "), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(stripped)
		if len(fields) < 2 {
			continue
		}
		pkgs = append(pkgs, pkgdash.Package{
			Name:             fields[0],
			Source:           pkgdash.SourceCargo,
			InstalledVersion: strings.TrimPrefix(fields[1], "v"),
		})
	}
	return pkgs, nil
}

// Describe fills in descriptions from the crates.io API with bounded
// concurrency.
func (a *Adapter) Describe(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	updated := slices.Clone(pkgs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)

	for i := range updated {
		if updated[i].Description != "" {
			continue
		}
		g.Go(func() error {
			var payload struct {
				Crate struct {
					Description string `json:"description"`
				} `json:"crate"`
			}
			crateURL := a.registryURL + "/" + url.PathEscape(updated[i].Name)
			if err := a.client.GetJSON(ctx, crateURL, &payload); err != nil {
				a.logger.Debug("describe failed", "source", a.Source(), "package", updated[i].Name, "error", err)
				return nil
			}
			updated[i].Description = strings.TrimSpace(payload.Crate.Description)
			return nil
		})
	}
	_ = g.Wait()

	return updated, nil
}

// Update implements source.Operator. Cargo reinstalls the latest
// published version.
func (a *Adapter) Update(ctx context.Context, name string) error {
	return a.run(ctx, "install", "--force", name)
}

// Install implements source.Operator.
func (a *Adapter) Install(ctx context.Context, name string) error {
	return a.run(ctx, "install", name)
}

// Uninstall implements source.Operator.
func (a *Adapter) Uninstall(ctx context.Context, name string) error {
	return a.run(ctx, "uninstall", name)
}

func (a *Adapter) run(ctx context.Context, args ...string) error {
	out, err := a.runner.Run(ctx, "cargo", args, installTimeout)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("cargo %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}
