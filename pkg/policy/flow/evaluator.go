package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Reasons shared with the rego adapter.
const (
	ReasonNoMatchingFlow      = "no matching flow definition in policy"
	ReasonNoFlowAfterEvaluate = "no matching flow after evaluation"
)

var (
	restrictedLabels = []domain.Label{domain.LabelRestrictedPII, domain.LabelRestrictedPHI}
	llmActions       = []domain.Action{domain.ActionAllow, domain.ActionMask}
)

// snapshot pairs the active store with the error that replaced it, if any.
type snapshot struct {
	store *Store
	err   error
}

// Evaluator decides hops against a Store in process.
type Evaluator struct {
	current    atomic.Pointer[snapshot]
	failClosed bool
	logger     *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithFailClosedConditions makes unknown condition strings count as violated.
// The default treats them as satisfied.
func WithFailClosedConditions(failClosed bool) EvaluatorOption {
	return func(e *Evaluator) { e.failClosed = failClosed }
}

// WithEvaluatorLogger sets the logger used for debug decision traces.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEvaluator returns an evaluator over store. When loadErr is non-nil (or
// store is nil) every hop is denied with a reason naming the error.
func NewEvaluator(store *Store, loadErr error, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.ReplaceStore(store, loadErr)
	return e
}

// ReplaceStore installs a new immutable store. In-flight evaluations keep the
// store they started with.
func (e *Evaluator) ReplaceStore(store *Store, loadErr error) {
	if store == nil && loadErr == nil {
		loadErr = &domain.ConfigurationError{Reason: "policy store not loaded"}
	}
	e.current.Store(&snapshot{store: store, err: loadErr})
}

// Store returns the active store, or nil when configuration failed.
func (e *Evaluator) Store() *Store {
	snap := e.current.Load()
	if snap.err != nil {
		return nil
	}
	return snap.store
}

// FailClosedConditions reports the unknown condition posture.
func (e *Evaluator) FailClosedConditions() bool {
	return e.failClosed
}

// EvaluateHop decides whether data in state may move from one node to another.
func (e *Evaluator) EvaluateHop(_ context.Context, from, to string, state domain.State) domain.HopDecision {
	state = state.Normalize()
	snap := e.current.Load()

	decision := domain.HopDecision{From: from, To: to}
	if snap.err != nil {
		decision.Reason = fmt.Sprintf("policy configuration error: %v", snap.err)
		return decision
	}

	allow, reason, ruleID := evaluate(snap.store, from, to, state, e.failClosed)
	decision.Allow = allow
	decision.Reason = reason
	decision.RuleID = ruleID

	e.logger.Debug("hop evaluated",
		"from", from,
		"to", to,
		"label", state.ClassificationLabel,
		"action", state.PolicyDecision.Action,
		"allow", allow,
		"rule_id", ruleID,
	)
	return decision
}

func evaluate(store *Store, from, to string, state domain.State, failClosed bool) (bool, string, string) {
	label := state.ClassificationLabel
	action := state.PolicyDecision.Action

	if from == domain.NodeRAGOrchestrator && to == domain.NodeLLM {
		if !slices.Contains(restrictedLabels, label) && slices.Contains(llmActions, action) {
			return true, fmt.Sprintf("%s -> %s allowed (label=%s, action=%s)", from, to, label, action), ""
		}
		return false, fmt.Sprintf("%s -> %s blocked due to label/action (label=%s, action=%s)", from, to, label, action), ""
	}

	rules := store.Lookup(from, to)
	if len(rules) == 0 {
		return false, ReasonNoMatchingFlow, ""
	}

	for _, rule := range rules {
		if len(rule.compiled) == 0 {
			if rule.Allowed {
				return true, fmt.Sprintf("flow %s allowed (no additional conditions)", rule.ID), rule.ID
			}
			return false, fmt.Sprintf("flow %s explicitly denied (no additional conditions)", rule.ID), rule.ID
		}

		for _, c := range rule.compiled {
			if c.Violated(state, failClosed) {
				return false, fmt.Sprintf("flow %s denied: %s (%s)", rule.ID, c.Raw, c.Fact(state)), rule.ID
			}
		}

		if rule.Allowed {
			return true, fmt.Sprintf("flow %s allowed (conditions satisfied)", rule.ID), rule.ID
		}
		// A rule whose conditions all hold may still be configured to deny.
		return false, fmt.Sprintf("flow %s denied (allowed=false despite conditions passing)", rule.ID), rule.ID
	}

	return false, ReasonNoFlowAfterEvaluate, ""
}
