// Package telemetry wires the OpenTelemetry metric instruments and
// exporters for the scan pipeline.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfeidau/pkgdash"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/pkgdash"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the metric instruments. A nil *Metrics is valid and
// records nothing, so components never need to guard their calls.
type Metrics struct {
	scanDuration       metric.Float64Histogram
	packagesDiscovered metric.Int64Counter
	catalogFetches     metric.Int64Counter
	catalogFetchTime   metric.Float64Histogram
	cacheLookups       metric.Int64Counter
	operations         metric.Int64Counter

	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// New creates the metric instruments with a Prometheus exporter and,
// when an endpoint is configured, an OTLP gRPC push exporter.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pkgdash"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExp, sdkmetric.WithInterval(cfg.FlushInterval)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, registry: registry}

	if m.scanDuration, err = meter.Float64Histogram("pkgdash_scan_duration_seconds",
		metric.WithDescription("Duration of full scan cycles"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.packagesDiscovered, err = meter.Int64Counter("pkgdash_packages_discovered_total",
		metric.WithDescription("Packages reported by the list phase, by source")); err != nil {
		return nil, err
	}
	if m.catalogFetches, err = meter.Int64Counter("pkgdash_catalog_fetch_total",
		metric.WithDescription("Bulk catalog fetches, by catalog and result")); err != nil {
		return nil, err
	}
	if m.catalogFetchTime, err = meter.Float64Histogram("pkgdash_catalog_fetch_duration_seconds",
		metric.WithDescription("Duration of bulk catalog fetches"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("pkgdash_cache_lookups_total",
		metric.WithDescription("TTL cache lookups, by result")); err != nil {
		return nil, err
	}
	if m.operations, err = meter.Int64Counter("pkgdash_operations_total",
		metric.WithDescription("Package operations, by kind and outcome")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the exporters.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordScan records the duration of a completed scan cycle.
func (m *Metrics) RecordScan(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Record(ctx, d.Seconds())
}

// RecordPackages counts packages reported by the list phase.
func (m *Metrics) RecordPackages(ctx context.Context, src pkgdash.Source, n int) {
	if m == nil {
		return
	}
	m.packagesDiscovered.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("source", string(src))))
}

// RecordCatalogFetch records one bulk catalog fetch attempt.
func (m *Metrics) RecordCatalogFetch(ctx context.Context, key string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("catalog", key),
		attribute.String("result", result),
	)
	m.catalogFetches.Add(ctx, 1, attrs)
	m.catalogFetchTime.Record(ctx, d.Seconds(), attrs)
}

// RecordCacheLookup counts a TTL cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordOperation counts a completed package operation.
func (m *Metrics) RecordOperation(ctx context.Context, kind pkgdash.OperationKind, outcome string) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
