// Package homebrew integrates the Homebrew package manager. Listing
// prefers the fast path: one bulk fetch of the formulae.brew.sh
// catalog joined against `brew list --versions`, which yields
// installed versions, latest versions and descriptions without any
// per-package round trip. When the catalog fetch fails the adapter
// falls back to the slow per-package commands.
package homebrew

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/cache"
	"github.com/wolfeidau/pkgdash/catalog"
	"github.com/wolfeidau/pkgdash/command"
	"github.com/wolfeidau/pkgdash/fetch"
	"github.com/wolfeidau/pkgdash/source"
	"github.com/wolfeidau/pkgdash/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCatalogURL serves every formula Homebrew knows about in a
	// single JSON document.
	DefaultCatalogURL = "https://formulae.brew.sh/api/formula.json"

	catalogCacheKey = "homebrew/formula-catalog"

	// Timeouts scale with operation class: listings are quick, writes
	// such as upgrades get an order of magnitude longer.
	listTimeout      = 15 * time.Second
	infoTimeout      = 10 * time.Second
	outdatedTimeout  = 10 * time.Second
	upgradeTimeout   = 5 * time.Minute
	uninstallTimeout = 2 * time.Minute

	describeConcurrency = 8
)

// Config configures the adapter.
type Config struct {
	// Runner executes the brew CLI.
	Runner command.Runner

	// Client fetches the bulk catalog.
	Client *fetch.Client

	// Cache holds the catalog payload between scans.
	Cache *cache.Cache

	// CatalogURL overrides the formulae API endpoint.
	CatalogURL string

	// CatalogTTL overrides how long the catalog stays cached.
	CatalogTTL time.Duration

	// Metrics records catalog fetch outcomes. Optional.
	Metrics *telemetry.Metrics

	// Logger for scan events.
	Logger *slog.Logger
}

// Adapter drives the brew CLI and the formulae API.
type Adapter struct {
	runner  command.Runner
	catalog *catalog.Fetcher
	logger  *slog.Logger
}

var (
	_ source.Adapter         = (*Adapter)(nil)
	_ source.OutdatedChecker = (*Adapter)(nil)
	_ source.Describer       = (*Adapter)(nil)
	_ source.Operator        = (*Adapter)(nil)
	_ source.Refresher       = (*Adapter)(nil)
)

// New creates the Homebrew adapter.
func New(cfg Config) *Adapter {
	if cfg.Runner == nil {
		cfg.Runner = command.ExecRunner{}
	}
	if cfg.Client == nil {
		cfg.Client = fetch.New()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.CatalogURL == "" {
		cfg.CatalogURL = DefaultCatalogURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Adapter{
		runner: cfg.Runner,
		logger: cfg.Logger,
		catalog: catalog.NewFetcher(catalog.Config{
			URL:      cfg.CatalogURL,
			CacheKey: catalogCacheKey,
			TTL:      cfg.CatalogTTL,
			Client:   cfg.Client,
			Cache:    cfg.Cache,
			Parse:    parseCatalog,
			Metrics:  cfg.Metrics,
			Logger:   cfg.Logger,
		}),
	}
}

// Source implements source.Adapter.
func (a *Adapter) Source() pkgdash.Source {
	return pkgdash.SourceHomebrew
}

// Available implements source.Adapter.
func (a *Adapter) Available(_ context.Context) bool {
	return a.runner.Available("brew")
}

// formulaInfo mirrors the fields used from the formulae API payload.
type formulaInfo struct {
	Name     string `json:"name"`
	Desc     string `json:"desc"`
	Versions struct {
		Stable string `json:"stable"`
	} `json:"versions"`
}

func parseCatalog(data []byte) ([]catalog.Entry, error) {
	var formulas []formulaInfo
	if err := json.Unmarshal(data, &formulas); err != nil {
		return nil, &pkgdash.ParseError{Origin: "formulae API", Err: err}
	}

	entries := make([]catalog.Entry, 0, len(formulas))
	for _, f := range formulas {
		entries = append(entries, catalog.Entry{
			Name:        f.Name,
			Latest:      f.Versions.Stable,
			Description: f.Desc,
		})
	}
	return entries, nil
}

// List enumerates installed packages. On the fast path the returned
// packages already carry latest versions and descriptions; when the
// catalog is unreachable the local listing alone is returned and later
// phases fill in the rest.
func (a *Adapter) List(ctx context.Context) ([]pkgdash.Package, error) {
	installed, err := a.installedVersions(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := a.catalog.Entries(ctx)
	if err != nil {
		a.logger.Warn("catalog unavailable, using slow path", "source", a.Source(), "error", err)
		return localOnly(installed), nil
	}

	pkgs := catalog.Join(entries, installed, pkgdash.SourceHomebrew)

	// Formulae missing from the catalog (third-party taps, casks)
	// still get listed, just without enrichment.
	if len(pkgs) < len(installed) {
		matched := make(map[string]struct{}, len(pkgs))
		for _, p := range pkgs {
			matched[p.Name] = struct{}{}
		}
		for name, version := range installed {
			if _, ok := matched[name]; !ok {
				pkgs = append(pkgs, pkgdash.Package{
					Name:             name,
					Source:           pkgdash.SourceHomebrew,
					InstalledVersion: version,
				})
			}
		}
	}
	return pkgs, nil
}

func localOnly(installed map[string]string) []pkgdash.Package {
	pkgs := make([]pkgdash.Package, 0, len(installed))
	for name, version := range installed {
		pkgs = append(pkgs, pkgdash.Package{
			Name:             name,
			Source:           pkgdash.SourceHomebrew,
			InstalledVersion: version,
		})
	}
	return pkgs
}

// installedVersions runs the cheap local enumeration.
func (a *Adapter) installedVersions(ctx context.Context) (map[string]string, error) {
	out, err := a.runner.Run(ctx, "brew", []string{"list", "--versions"}, listTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("brew list --versions: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	installed := make(map[string]string)
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			// First version wins when several are installed.
			installed[fields[0]] = fields[1]
		}
	}
	return installed, nil
}

// CheckOutdated resolves latest versions with one `brew outdated`
// call; no per-package commands are issued.
func (a *Adapter) CheckOutdated(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	out, err := a.runner.Run(ctx, "brew", []string{"outdated", "--json=v2"}, outdatedTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, fmt.Errorf("brew outdated: exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	var payload struct {
		Formulae []struct {
			Name           string `json:"name"`
			CurrentVersion string `json:"current_version"`
		} `json:"formulae"`
	}
	if err := json.Unmarshal(out.Stdout, &payload); err != nil {
		return nil, &pkgdash.ParseError{Origin: "brew outdated", Err: err}
	}

	latest := make(map[string]string, len(payload.Formulae))
	for _, f := range payload.Formulae {
		latest[f.Name] = f.CurrentVersion
	}

	updated := slices.Clone(pkgs)
	for i := range updated {
		if v, ok := latest[updated[i].Name]; ok && v != "" {
			updated[i].LatestVersion = v
		}
	}
	return updated, nil
}

// Describe fills in descriptions for packages still missing one, the
// rare case the catalog did not cover. Lookups run with bounded
// concurrency so brew is not overwhelmed.
func (a *Adapter) Describe(ctx context.Context, pkgs []pkgdash.Package) ([]pkgdash.Package, error) {
	updated := slices.Clone(pkgs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)

	for i := range updated {
		if updated[i].Description != "" {
			continue
		}
		g.Go(func() error {
			desc, err := a.describeOne(ctx, updated[i].Name)
			if err != nil {
				// A package without a description is not a failure.
				a.logger.Debug("describe failed", "source", a.Source(), "package", updated[i].Name, "error", err)
				return nil
			}
			updated[i].Description = desc
			return nil
		})
	}
	_ = g.Wait()

	return updated, nil
}

func (a *Adapter) describeOne(ctx context.Context, name string) (string, error) {
	out, err := a.runner.Run(ctx, "brew", []string{"info", "--json=v2", name}, infoTimeout)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", fmt.Errorf("brew info %s: exit %d", name, out.ExitCode)
	}

	var payload struct {
		Formulae []struct {
			Desc string `json:"desc"`
		} `json:"formulae"`
		Casks []struct {
			Desc string `json:"desc"`
		} `json:"casks"`
	}
	if err := json.Unmarshal(out.Stdout, &payload); err != nil {
		return "", &pkgdash.ParseError{Origin: "brew info", Err: err}
	}

	if len(payload.Formulae) > 0 && payload.Formulae[0].Desc != "" {
		return payload.Formulae[0].Desc, nil
	}
	if len(payload.Casks) > 0 && payload.Casks[0].Desc != "" {
		return payload.Casks[0].Desc, nil
	}
	return "", fmt.Errorf("no description for %s: %w", name, pkgdash.ErrNotFound)
}

// Update implements source.Operator.
func (a *Adapter) Update(ctx context.Context, name string) error {
	return a.run(ctx, upgradeTimeout, "upgrade", name)
}

// Install implements source.Operator.
func (a *Adapter) Install(ctx context.Context, name string) error {
	return a.run(ctx, upgradeTimeout, "install", name)
}

// Uninstall implements source.Operator.
func (a *Adapter) Uninstall(ctx context.Context, name string) error {
	return a.run(ctx, uninstallTimeout, "uninstall", name)
}

// RefreshCatalog implements source.Refresher.
func (a *Adapter) RefreshCatalog() {
	a.catalog.Refresh()
}

func (a *Adapter) run(ctx context.Context, timeout time.Duration, args ...string) error {
	out, err := a.runner.Run(ctx, "brew", args, timeout)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("brew %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}
