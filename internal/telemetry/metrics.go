// Package telemetry provides OpenTelemetry instrumentation for the mirror.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/openregistry/bizmirror/sync"

	// ImportMetricsMeterName is the name used for the bulk import metrics meter
	ImportMetricsMeterName = "github.com/openregistry/bizmirror/import"
)

// SyncMetrics holds the OpenTelemetry instruments for incremental sync runs
type SyncMetrics struct {
	syncDuration   metric.Float64Histogram
	entitiesSeen   metric.Int64Counter
	entityErrors   metric.Int64Counter
	companiesTotal metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"bizmirror_sync_duration_seconds",
		metric.WithDescription("Duration of incremental sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	entitiesSeen, err := meter.Int64Counter(
		"bizmirror_sync_entities_total",
		metric.WithDescription("Change feed events seen by sync runs"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	entityErrors, err := meter.Int64Counter(
		"bizmirror_sync_errors_total",
		metric.WithDescription("Entity-level errors during sync runs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	companiesTotal, err := meter.Int64Gauge(
		"bizmirror_companies_total",
		metric.WithDescription("Number of mirrored companies"),
		metric.WithUnit("{company}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:   syncDuration,
		entitiesSeen:   entitiesSeen,
		entityErrors:   entityErrors,
		companiesTotal: companiesTotal,
	}, nil
}

// RecordRun records the aggregate result of one sync run
func (m *SyncMetrics) RecordRun(ctx context.Context, duration time.Duration, entitiesSeen, apiErrors, dbErrors int64) {
	if m == nil {
		return
	}

	m.syncDuration.Record(ctx, duration.Seconds())
	m.entitiesSeen.Add(ctx, entitiesSeen)
	m.entityErrors.Add(ctx, apiErrors, metric.WithAttributes(attribute.String("kind", "api")))
	m.entityErrors.Add(ctx, dbErrors, metric.WithAttributes(attribute.String("kind", "db")))
}

// RecordCompaniesTotal records the current mirror size
func (m *SyncMetrics) RecordCompaniesTotal(ctx context.Context, count int64) {
	if m == nil || m.companiesTotal == nil {
		return
	}
	m.companiesTotal.Record(ctx, count)
}

// ImportMetrics holds the OpenTelemetry instruments for bulk import batches
type ImportMetrics struct {
	itemDuration metric.Float64Histogram
	itemsTotal   metric.Int64Counter
}

// NewImportMetrics creates a new ImportMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewImportMetrics(provider metric.MeterProvider) (*ImportMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ImportMetricsMeterName)

	itemDuration, err := meter.Float64Histogram(
		"bizmirror_import_item_duration_seconds",
		metric.WithDescription("Duration of single bulk import items in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	itemsTotal, err := meter.Int64Counter(
		"bizmirror_import_items_total",
		metric.WithDescription("Bulk import items processed, by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &ImportMetrics{
		itemDuration: itemDuration,
		itemsTotal:   itemsTotal,
	}, nil
}

// RecordItem records the outcome of one processed queue item
func (m *ImportMetrics) RecordItem(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.itemDuration.Record(ctx, duration.Seconds(), attrs)
	m.itemsTotal.Add(ctx, 1, attrs)
}
