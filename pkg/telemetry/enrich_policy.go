package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// RecordHopDecisionSpan annotates the span with a hop decision.
func RecordHopDecisionSpan(span trace.Span, decision domain.HopDecision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("dlp.hop", decision.From+"->"+decision.To),
		attribute.Bool("dlp.hop.allowed", decision.Allow),
		attribute.String("dlp.hop.reason", decision.Reason),
	)
	if decision.RuleID != "" {
		span.SetAttributes(attribute.String("dlp.hop.rule_id", decision.RuleID))
	}
	if !decision.Allow {
		span.AddEvent("dlp.hop.denied", trace.WithAttributes(
			attribute.String("dlp.hop", decision.From+"->"+decision.To),
		))
	}
}

// RecordClassification attaches the label and the entity types, never values.
func RecordClassification(span trace.Span, result domain.ClassificationResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	types := domain.EntityTypes(result.Entities)
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	span.SetAttributes(
		attribute.String("dlp.label", string(result.Label)),
		attribute.Int("dlp.entities.count", len(result.Entities)),
		attribute.StringSlice("dlp.entities.types", names),
	)
}

// RecordPolicyAction annotates the span with the role policy outcome.
func RecordPolicyAction(span trace.Span, stage string, action domain.Action) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("dlp."+stage+".action", string(action)))
	if action == domain.ActionBlock {
		span.AddEvent("dlp.blocked", trace.WithAttributes(attribute.String("dlp.stage", stage)))
	}
}
