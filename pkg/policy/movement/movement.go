// Package movement evaluates the full RAG ingestion path for a prompt: it
// classifies the text once and checks every hop the content would take.
package movement

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/classify"
	"github.com/polisai/polis-dlp/pkg/telemetry"
)

// DefaultHops is the ingestion path checked for every prompt.
var DefaultHops = []domain.Hop{
	{From: domain.NodeUser, To: domain.NodeDLPGateway},
	{From: domain.NodeDLPGateway, To: domain.NodeRAGOrchestrator},
	{From: domain.NodeRAGOrchestrator, To: domain.NodePinecone},
}

// Orchestrator runs a prompt through the classifier and a hop evaluator.
type Orchestrator struct {
	classifier *classify.Classifier
	evaluator  domain.HopEvaluator
	hops       []domain.Hop
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHops replaces DefaultHops.
func WithHops(hops []domain.Hop) Option {
	return func(o *Orchestrator) {
		o.hops = append([]domain.Hop(nil), hops...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer; the global provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// New builds an orchestrator. A nil classifier selects the default detector.
func New(classifier *classify.Classifier, evaluator domain.HopEvaluator, opts ...Option) *Orchestrator {
	if classifier == nil {
		classifier = classify.New(nil)
	}
	o := &Orchestrator{
		classifier: classifier,
		evaluator:  evaluator,
		hops:       DefaultHops,
		tracer:     otel.Tracer("polis-dlp/movement"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActionForLabel is the action assumed while content moves through the
// pipeline: restricted content is blocked, everything else allowed.
func ActionForLabel(label domain.Label) domain.Action {
	if label.Restricted() {
		return domain.ActionBlock
	}
	return domain.ActionAllow
}

// EvaluateMovement classifies prompt and evaluates every configured hop. All
// hops are evaluated even after a denial so the caller sees each decision.
func (o *Orchestrator) EvaluateMovement(ctx context.Context, prompt string) domain.MovementVerdict {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "dlp.movement")
	defer span.End()

	result := o.classifier.ClassifyText(prompt)
	telemetry.RecordClassification(span, result)

	state := domain.State{
		ClassificationLabel: result.Label,
		PolicyDecision:      domain.PolicyDecision{Action: ActionForLabel(result.Label)},
		RedactionApplied:    false,
	}

	verdict := domain.MovementVerdict{
		Classification: result,
		Hops:           make([]domain.HopDecision, 0, len(o.hops)),
	}
	violations := 0
	firstReason := ""
	for _, hop := range o.hops {
		decision := o.EvaluateHop(ctx, hop.From, hop.To, state)
		verdict.Hops = append(verdict.Hops, decision)
		if !decision.Allow {
			violations++
			if firstReason == "" {
				firstReason = decision.Reason
			}
		}
	}
	verdict.Blocked = violations > 0

	telemetry.RecordSecurityEvent(span, verdict.Blocked, firstReason, len(result.Entities), violations)
	telemetry.RecordMovementMetrics(ctx, telemetry.MovementMetrics{
		Label:    result.Label,
		Blocked:  verdict.Blocked,
		Entities: result.Entities,
		Duration: time.Since(start),
	})

	o.logger.Info("movement evaluated",
		"label", result.Label,
		"entity_types", domain.EntityTypes(result.Entities),
		"blocked", verdict.Blocked,
		"denied_hops", violations,
	)
	return verdict
}

// EvaluateHop checks a single hop and records it.
func (o *Orchestrator) EvaluateHop(ctx context.Context, from, to string, state domain.State) domain.HopDecision {
	ctx, span := o.tracer.Start(ctx, "dlp.hop")
	defer span.End()

	decision := o.evaluator.EvaluateHop(ctx, from, to, state)
	telemetry.RecordHopDecision(ctx, decision)
	telemetry.RecordHopDecisionSpan(span, decision)
	return decision
}

// Classifier exposes the classifier used for prompts.
func (o *Orchestrator) Classifier() *classify.Classifier {
	return o.classifier
}

// Evaluator exposes the hop evaluator.
func (o *Orchestrator) Evaluator() domain.HopEvaluator {
	return o.evaluator
}
