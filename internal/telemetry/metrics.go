package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/pos-sync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycles
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	tableFailures metric.Int64Counter
	rowsApplied   metric.Int64Counter
	rowsPushed    metric.Int64Counter
	recoveries    metric.Int64Counter
	watermark     metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"pos_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	tableFailures, err := meter.Int64Counter(
		"pos_sync_table_failures_total",
		metric.WithDescription("Number of failed table phases"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	rowsApplied, err := meter.Int64Counter(
		"pos_sync_rows_applied_total",
		metric.WithDescription("Number of pulled rows written locally"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	rowsPushed, err := meter.Int64Counter(
		"pos_sync_rows_pushed_total",
		metric.WithDescription("Number of local rows acknowledged by the peer"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter(
		"pos_sync_recoveries_total",
		metric.WithDescription("Number of full recovery runs"),
		metric.WithUnit("{recovery}"),
	)
	if err != nil {
		return nil, err
	}

	watermark, err := meter.Int64Gauge(
		"pos_sync_watermark",
		metric.WithDescription("Current watermark cursor per table and direction"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		tableFailures: tableFailures,
		rowsApplied:   rowsApplied,
		rowsPushed:    rowsPushed,
		recoveries:    recoveries,
		watermark:     watermark,
	}, nil
}

// RecordCycleDuration records how long a cycle took
func (m *SyncMetrics) RecordCycleDuration(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordTableFailure counts a failed pull or push of a table
func (m *SyncMetrics) RecordTableFailure(ctx context.Context, table, phase string) {
	if m == nil || m.tableFailures == nil {
		return
	}
	m.tableFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("phase", phase),
	))
}

// RecordRowsApplied counts rows written from a pulled batch
func (m *SyncMetrics) RecordRowsApplied(ctx context.Context, table string, n int) {
	if m == nil || m.rowsApplied == nil || n <= 0 {
		return
	}
	m.rowsApplied.Add(ctx, int64(n), metric.WithAttributes(attribute.String("table", table)))
}

// RecordRowsPushed counts rows acknowledged by the peer
func (m *SyncMetrics) RecordRowsPushed(ctx context.Context, table string, n int) {
	if m == nil || m.rowsPushed == nil || n <= 0 {
		return
	}
	m.rowsPushed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("table", table)))
}

// RecordRecovery counts a recovery run
func (m *SyncMetrics) RecordRecovery(ctx context.Context, success bool) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordWatermark records the current cursor of a table direction
func (m *SyncMetrics) RecordWatermark(ctx context.Context, table, direction string, cursor int64) {
	if m == nil || m.watermark == nil {
		return
	}
	m.watermark.Record(ctx, cursor, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("direction", direction),
	))
}
