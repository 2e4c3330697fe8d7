// Package scan coordinates full inventory scans across every detected
// package source and dispatches per-package operations. At most one
// scan runs at a time; a request while one is in flight joins it
// rather than starting another.
package scan

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/source"
	"github.com/wolfeidau/pkgdash/store"
	"github.com/wolfeidau/pkgdash/telemetry"
	"github.com/wolfeidau/pkgdash/usage"
	"golang.org/x/sync/errgroup"
)

// DefaultStatusTTL is how long a transient operation status message
// stays visible.
const DefaultStatusTTL = 5 * time.Second

// Config configures an Orchestrator.
type Config struct {
	Store    *store.Store
	Registry *source.Registry

	// Usage is optional; when nil the usage pass is skipped.
	Usage *usage.Scanner

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// StatusTTL bounds how long operation status messages live.
	// Defaults to DefaultStatusTTL.
	StatusTTL time.Duration
}

// Handle makes a scan's settlement observable.
type Handle struct {
	done chan struct{}
}

// Wait blocks until the scan the handle was issued for has settled.
func (h *Handle) Wait() {
	<-h.done
}

// Orchestrator runs scans and operations against the shared store.
type Orchestrator struct {
	store     *store.Store
	registry  *source.Registry
	usage     *usage.Scanner
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	statusTTL time.Duration
	now       func() time.Time

	scanning atomic.Bool

	mu       sync.Mutex
	current  *Handle
	inFlight map[pkgdash.Key]pkgdash.OperationKind
	status   statusMessage
}

type statusMessage struct {
	text    string
	expires time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	return &Orchestrator{
		store:     cfg.Store,
		registry:  cfg.Registry,
		usage:     cfg.Usage,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		statusTTL: cfg.StatusTTL,
		now:       time.Now,
		inFlight:  make(map[pkgdash.Key]pkgdash.OperationKind),
	}
}

// Scan starts a full scan and returns a handle to wait on. If a scan
// is already running the existing handle is returned instead of
// starting a second one.
func (o *Orchestrator) Scan(ctx context.Context) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.scanning.Load() {
		return o.current
	}
	o.scanning.Store(true)
	h := &Handle{done: make(chan struct{})}
	o.current = h

	// The scan outlives whichever request triggered it.
	go o.run(context.WithoutCancel(ctx), h)
	return h
}

// IsScanning reports whether a scan is currently in flight.
func (o *Orchestrator) IsScanning() bool {
	return o.scanning.Load()
}

// Refresh tells every catalog-backed adapter to bypass its cache, then
// starts a scan.
func (o *Orchestrator) Refresh(ctx context.Context) *Handle {
	for _, a := range o.registry.All() {
		if r, ok := a.(source.Refresher); ok {
			r.RefreshCatalog()
		}
	}
	return o.Scan(ctx)
}

func (o *Orchestrator) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer o.scanning.Store(false)

	start := o.now()
	adapters := o.registry.Detect(ctx)
	o.logger.Info("scan started", "sources", len(adapters))

	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error {
			o.scanSource(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	o.scanUsage(ctx)

	elapsed := o.now().Sub(start)
	o.metrics.RecordScan(ctx, elapsed)
	o.logger.Info("scan complete", "elapsed", elapsed, "packages", o.store.Len())
}

// scanSource runs the listing and enrichment phases for one adapter.
// A failure in any phase is logged and contained: the other sources,
// and whatever this source produced so far, are unaffected.
func (o *Orchestrator) scanSource(ctx context.Context, a source.Adapter) {
	src := a.Source()
	logger := o.logger.With("source", src)

	pkgs, err := a.List(ctx)
	if err != nil {
		logger.Warn("listing failed", "error", err)
		return
	}
	o.store.ReplaceSource(src, pkgs)
	o.metrics.RecordPackages(ctx, src, len(pkgs))
	logger.Debug("listed packages", "count", len(pkgs))

	if checker, ok := a.(source.OutdatedChecker); ok {
		enriched, err := checker.CheckOutdated(ctx, pkgs)
		if err != nil {
			logger.Warn("outdated check failed", "error", err)
		} else {
			o.store.Merge(enriched)
			pkgs = enriched
		}
	}

	if describer, ok := a.(source.Describer); ok {
		enriched, err := describer.Describe(ctx, pkgs)
		if err != nil {
			logger.Warn("describe failed", "error", err)
		} else {
			o.store.Merge(enriched)
		}
	}
}

func (o *Orchestrator) scanUsage(ctx context.Context) {
	if o.usage == nil {
		return
	}
	usages, err := o.usage.Scan(ctx, o.store.Snapshot())
	if err != nil {
		o.logger.Warn("usage scan failed", "error", err)
		return
	}
	o.store.SetUsages(usages)
}
