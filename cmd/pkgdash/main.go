// Command pkgdash serves an aggregated inventory of packages installed
// through homebrew, npm, cargo and pip, with update/install/uninstall
// operations over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/pkgdash/cache"
	"github.com/wolfeidau/pkgdash/command"
	"github.com/wolfeidau/pkgdash/fetch"
	"github.com/wolfeidau/pkgdash/scan"
	"github.com/wolfeidau/pkgdash/server"
	"github.com/wolfeidau/pkgdash/source"
	"github.com/wolfeidau/pkgdash/source/cargo"
	"github.com/wolfeidau/pkgdash/source/homebrew"
	"github.com/wolfeidau/pkgdash/source/npm"
	"github.com/wolfeidau/pkgdash/source/pip"
	"github.com/wolfeidau/pkgdash/store"
	"github.com/wolfeidau/pkgdash/telemetry"
	"github.com/wolfeidau/pkgdash/usage"
)

var version = "dev"

type cli struct {
	Address      string        `help:"Address to listen on." default:":8080"`
	ScanDir      []string      `help:"Project directories to scan for package usage." type:"path"`
	ScanInterval time.Duration `help:"How often to rescan all sources." default:"15m"`
	CatalogTTL   time.Duration `help:"How long fetched registry catalogs stay cached." default:"1h"`
	Disable      []string      `help:"Sources to disable." enum:"homebrew,npm,cargo,pip"`
	Config       string        `help:"Path to a YAML config file." type:"existingfile" optional:""`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	LogLevel     string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string        `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("pkgdash"),
		kong.Description("Aggregated package inventory across homebrew, npm, cargo and pip."),
		kong.Vars{"version": version},
	)

	if err := run(&flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *cli) error {
	if flags.Config != "" {
		if err := applyConfigFile(flags.Config, flags); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "pkgdash",
		ServiceVersion: version,
		OTLPEndpoint:   flags.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry := buildRegistry(flags, logger, metrics)

	st := store.New()

	var usageScanner *usage.Scanner
	if len(flags.ScanDir) > 0 {
		usageScanner = usage.New(usage.Config{
			Dirs:   flags.ScanDir,
			Logger: logger.With("component", "usage"),
		})
	}

	orchestrator := scan.New(scan.Config{
		Store:    st,
		Registry: registry,
		Usage:    usageScanner,
		Metrics:  metrics,
		Logger:   logger.With("component", "scan"),
	})

	srv := server.New(server.Config{
		Address:      flags.Address,
		Store:        st,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Logger:       logger.With("component", "server"),
	})

	orchestrator.Scan(ctx)
	go rescanLoop(ctx, orchestrator, flags.ScanInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("pkgdash started", "version", version, "address", srv.Address())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildRegistry(flags *cli, logger *slog.Logger, metrics *telemetry.Metrics) *source.Registry {
	disabled := make(map[string]bool, len(flags.Disable))
	for _, src := range flags.Disable {
		disabled[src] = true
	}

	runner := command.ExecRunner{}
	client := fetch.New()
	catalogCache := cache.New()

	registry := source.NewRegistry()
	if !disabled["homebrew"] {
		registry.Register(homebrew.New(homebrew.Config{
			Runner:     runner,
			Client:     client,
			Cache:      catalogCache,
			CatalogTTL: flags.CatalogTTL,
			Metrics:    metrics,
			Logger:     logger.With("source", "homebrew"),
		}))
	}
	if !disabled["npm"] {
		registry.Register(npm.New(npm.Config{
			Runner: runner,
			Logger: logger.With("source", "npm"),
		}))
	}
	if !disabled["cargo"] {
		registry.Register(cargo.New(cargo.Config{
			Runner: runner,
			Client: client,
			Logger: logger.With("source", "cargo"),
		}))
	}
	if !disabled["pip"] {
		registry.Register(pip.New(pip.Config{
			Runner: runner,
			Logger: logger.With("source", "pip"),
		}))
	}
	return registry
}

func rescanLoop(ctx context.Context, orchestrator *scan.Orchestrator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("periodic rescan")
			orchestrator.Scan(ctx)
		}
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
