// Package catalog implements the fast path for package enrichment: one
// bulk fetch of an entire upstream catalog, cached with a TTL and
// deduplicated with singleflight, followed by a parallel filter-join
// against the locally installed set. The join produces packages that
// already carry latest versions and descriptions, so no per-package
// round trips are needed.
package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/pkgdash/cache"
	"github.com/wolfeidau/pkgdash/fetch"
	"github.com/wolfeidau/pkgdash/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched catalog stays fresh. Catalogs are
// large and change slowly, so an hour is plenty.
const DefaultTTL = time.Hour

// Entry is one package in an upstream catalog.
type Entry struct {
	Name        string
	Latest      string
	Description string
}

// ParseFunc decodes a raw catalog payload into entries.
type ParseFunc func(data []byte) ([]Entry, error)

// Config configures a Fetcher.
type Config struct {
	// URL of the bulk catalog endpoint.
	URL string

	// CacheKey is the fixed key the payload is cached under.
	CacheKey string

	// TTL for the cached payload. Default: DefaultTTL.
	TTL time.Duration

	// Client performs the bulk fetch.
	Client *fetch.Client

	// Cache holds the raw payload between fetches.
	Cache *cache.Cache

	// Parse decodes the payload.
	Parse ParseFunc

	// Metrics records fetch and cache outcomes. Optional.
	Metrics *telemetry.Metrics

	// Logger for fetch events.
	Logger *slog.Logger
}

// Fetcher fetches and caches one upstream catalog. Concurrent callers
// that miss the cache share a single upstream fetch.
type Fetcher struct {
	config Config
	logger *slog.Logger
	group  singleflight.Group
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{config: cfg, logger: cfg.Logger}
}

// Entries returns the catalog, served from cache while fresh. A fetch
// failure is recoverable: the caller falls back to its slow path and
// the next scan retries.
func (f *Fetcher) Entries(ctx context.Context) ([]Entry, error) {
	if data, ok := f.config.Cache.Get(f.config.CacheKey); ok {
		entries, err := f.config.Parse(data)
		if err == nil {
			f.config.Metrics.RecordCacheLookup(ctx, true)
			return entries, nil
		}
		// A payload that no longer parses is dropped and refetched.
		f.config.Cache.Delete(f.config.CacheKey)
	}
	// An unparseable payload counts as a miss, so exactly one outcome
	// is recorded per call.
	f.config.Metrics.RecordCacheLookup(ctx, false)

	// DoChan rather than Do so each caller can respect its own
	// deadline without cancelling the fetch for other waiters.
	ch := f.group.DoChan(f.config.CacheKey, func() (any, error) {
		return f.fetchUpstream(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			f.group.Forget(f.config.CacheKey)
			return nil, res.Err
		}
		return res.Val.([]Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) fetchUpstream(ctx context.Context) ([]Entry, error) {
	start := time.Now()

	data, err := f.config.Client.Get(ctx, f.config.URL)
	f.config.Metrics.RecordCatalogFetch(ctx, f.config.CacheKey, time.Since(start), err)
	if err != nil {
		f.logger.Warn("catalog fetch failed", "catalog", f.config.CacheKey, "error", err)
		return nil, err
	}

	entries, err := f.config.Parse(data)
	if err != nil {
		return nil, err
	}

	prev, hadPrev := f.config.Cache.Fingerprint(f.config.CacheKey)
	f.config.Cache.Set(f.config.CacheKey, data, f.config.TTL)
	if cur, ok := f.config.Cache.Fingerprint(f.config.CacheKey); ok && hadPrev && cur == prev {
		f.logger.Debug("catalog unchanged since last fetch", "catalog", f.config.CacheKey)
	}

	f.logger.Info("catalog fetched",
		"catalog", f.config.CacheKey,
		"entries", len(entries),
		"duration", time.Since(start),
	)
	return entries, nil
}

// Refresh drops the cached catalog so the next Entries call goes
// upstream.
func (f *Fetcher) Refresh() {
	f.config.Cache.Delete(f.config.CacheKey)
}
