package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics carries the OpenTelemetry instruments for audit writes.
// The Prometheus Metrics type covers the HTTP and storage surface; this
// exists for deployments that ship traces and metrics over OTLP, where
// the write path is the signal worth correlating with spans.
type OTelMetrics struct {
	writesTotal   metric.Int64Counter
	writeDuration metric.Float64Histogram
	changedFields metric.Int64Histogram
}

// NewOTelMetrics creates the audit write instruments on the global
// meter provider, so it must run after InitOTel.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/tally")

	m := &OTelMetrics{}
	var err error

	m.writesTotal, err = meter.Int64Counter(
		"audit.writes.total",
		metric.WithDescription("Total number of audit transactions written"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.writes.total counter: %w", err)
	}

	m.writeDuration, err = meter.Float64Histogram(
		"audit.write.duration",
		metric.WithDescription("Audit write duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.write.duration histogram: %w", err)
	}

	m.changedFields, err = meter.Int64Histogram(
		"audit.changed.fields",
		metric.WithDescription("Number of changed fields per audit transaction"),
		metric.WithUnit("{field}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.changed.fields histogram: %w", err)
	}

	return m, nil
}

// RecordAuditWrite records one ledger append attempt.
func (m *OTelMetrics) RecordAuditWrite(ctx context.Context, recordType, transactionType string, changedFields int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("audit.record_type", recordType),
		attribute.String("audit.transaction_type", transactionType),
		attribute.Bool("error", err != nil),
	}

	m.writesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.writeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if changedFields > 0 {
		m.changedFields.Record(ctx, int64(changedFields), metric.WithAttributes(attrs...))
	}
}
