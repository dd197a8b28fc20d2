package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricPrefix = "fieldline_ingest_"

// Metrics provides instrumentation for the ingestion pipeline. All methods
// are safe to call on a Metrics built from a nil meter.
type Metrics struct {
	meter            metric.Meter
	chunksTotal      metric.Int64Counter
	duplicateTotal   metric.Int64Counter
	rejectedTotal    metric.Int64Counter
	conflictTotal    metric.Int64Counter
	reassembledTotal metric.Int64Counter
	abandonedTotal   metric.Int64Counter
	mergeHistogram   metric.Float64Histogram
	payloadHistogram metric.Int64Histogram
}

// NewMetrics initializes ingestion metrics using the provided meter. A nil
// meter yields a no-op Metrics.
func NewMetrics(_ context.Context, meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	if meter == nil {
		return m, nil
	}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init() error {
	counterDefs := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.chunksTotal, "chunks_total", "Total chunks accepted for ingestion"},
		{&m.duplicateTotal, "duplicate_chunks_total", "Total duplicate chunk deliveries absorbed"},
		{&m.rejectedTotal, "rejected_chunks_total", "Total chunks rejected at validation"},
		{&m.conflictTotal, "correlation_conflicts_total", "Total correlation groups poisoned by totalChunks mismatch"},
		{&m.reassembledTotal, "reassembled_total", "Total logical messages reassembled"},
		{&m.abandonedTotal, "abandoned_groups_total", "Total incomplete groups reclaimed by the sweeper"},
	}
	for _, def := range counterDefs {
		counter, err := m.meter.Int64Counter(
			metricPrefix+def.name,
			metric.WithDescription(def.description),
		)
		if err != nil {
			return fmt.Errorf("register counter %s: %w", def.name, err)
		}
		*def.target = counter
	}
	mergeHist, err := m.meter.Float64Histogram(
		metricPrefix+"merge_duration_seconds",
		metric.WithDescription("Duration of claim-and-merge operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("register merge histogram: %w", err)
	}
	m.mergeHistogram = mergeHist
	payloadHist, err := m.meter.Int64Histogram(
		metricPrefix+"reassembled_payload_bytes",
		metric.WithDescription("Size of reassembled message payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("register payload histogram: %w", err)
	}
	m.payloadHistogram = payloadHist
	return nil
}

func tenantAttrs(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tenant_id", tenantID))
}

func (m *Metrics) RecordChunk(ctx context.Context, tenantID string) {
	if m.chunksTotal != nil {
		m.chunksTotal.Add(ctx, 1, tenantAttrs(tenantID))
	}
}

func (m *Metrics) RecordDuplicate(ctx context.Context, tenantID string) {
	if m.duplicateTotal != nil {
		m.duplicateTotal.Add(ctx, 1, tenantAttrs(tenantID))
	}
}

func (m *Metrics) RecordRejected(ctx context.Context, tenantID string, reason string) {
	if m.rejectedTotal != nil {
		m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("reason", reason),
		))
	}
}

func (m *Metrics) RecordConflict(ctx context.Context, tenantID string) {
	if m.conflictTotal != nil {
		m.conflictTotal.Add(ctx, 1, tenantAttrs(tenantID))
	}
}

func (m *Metrics) RecordReassembled(ctx context.Context, tenantID string, payloadBytes int, elapsed time.Duration) {
	if m.reassembledTotal != nil {
		m.reassembledTotal.Add(ctx, 1, tenantAttrs(tenantID))
	}
	if m.mergeHistogram != nil {
		m.mergeHistogram.Record(ctx, elapsed.Seconds(), tenantAttrs(tenantID))
	}
	if m.payloadHistogram != nil {
		m.payloadHistogram.Record(ctx, int64(payloadBytes), tenantAttrs(tenantID))
	}
}

func (m *Metrics) RecordAbandoned(ctx context.Context, tenantID string) {
	if m.abandonedTotal != nil {
		m.abandonedTotal.Add(ctx, 1, tenantAttrs(tenantID))
	}
}
