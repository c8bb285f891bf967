package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dlp/pkg/domain"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	hopDecisionCounter    metric.Int64Counter
	movementVerdictCount  metric.Int64Counter
	entityCounter         metric.Int64Counter
	movementLatencyMillis metric.Float64Histogram
)

// MovementMetrics captures the fields recorded for one movement evaluation.
type MovementMetrics struct {
	Label    domain.Label
	Blocked  bool
	Entities []domain.Entity
	Duration time.Duration
}

// RecordHopDecision counts a single hop decision.
func RecordHopDecision(ctx context.Context, decision domain.HopDecision) {
	if err := ensureMetrics(); err != nil {
		return
	}

	hopDecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hop.from", domain.BoundedNode(decision.From)),
		attribute.String("hop.to", domain.BoundedNode(decision.To)),
		attribute.Bool("hop.allowed", decision.Allow),
		attribute.String("hop.rule_id", decision.RuleID),
	))
}

// RecordMovementMetrics emits counters and the latency histogram for a verdict.
func RecordMovementMetrics(ctx context.Context, m MovementMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("dlp.label", string(m.Label)),
		attribute.Bool("dlp.blocked", m.Blocked),
	}
	movementVerdictCount.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		movementLatencyMillis.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	for _, e := range m.Entities {
		entityCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("dlp.entity.type", string(e.Type))))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dlp.movement")

		hopDecisionCounter, metricsInitErr = meter.Int64Counter(
			"dlp.hop.decisions_total",
			metric.WithDescription("Hop decisions partitioned by edge and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		movementVerdictCount, metricsInitErr = meter.Int64Counter(
			"dlp.movement.verdicts_total",
			metric.WithDescription("Movement verdicts partitioned by label and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		entityCounter, metricsInitErr = meter.Int64Counter(
			"dlp.entities.detected_total",
			metric.WithDescription("Sensitive entities detected by type"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		movementLatencyMillis, metricsInitErr = meter.Float64Histogram(
			"dlp.movement.duration_ms",
			metric.WithDescription("Observed movement evaluation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, findings int, violations int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.Int("security.findings.count", findings),
		attribute.Int("security.violations.count", violations),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
