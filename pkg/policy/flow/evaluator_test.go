package flow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dlp/pkg/domain"
)

func bundledEvaluator(t *testing.T, opts ...EvaluatorOption) *Evaluator {
	t.Helper()
	store, err := LoadFile(filepath.Join("..", "..", "..", "configs", "flows.yaml"))
	require.NoError(t, err)
	return NewEvaluator(store, nil, opts...)
}

func st(label domain.Label, action domain.Action, redacted bool) domain.State {
	return domain.State{
		ClassificationLabel: label,
		PolicyDecision:      domain.PolicyDecision{Action: action},
		RedactionApplied:    redacted,
	}
}

func TestEvaluateHopRestrictedToVectorStore(t *testing.T) {
	e := bundledEvaluator(t)

	for _, label := range []domain.Label{domain.LabelRestrictedPHI, domain.LabelRestrictedPII} {
		d := e.EvaluateHop(context.Background(), domain.NodeRAGOrchestrator, domain.NodePinecone, st(label, domain.ActionAllow, false))
		assert.False(t, d.Allow, label)
		assert.Contains(t, d.Reason, "F03")
		assert.Contains(t, d.Reason, "label="+string(label))
		assert.Equal(t, domain.NodeRAGOrchestrator, d.From)
		assert.Equal(t, domain.NodePinecone, d.To)
	}

	d := e.EvaluateHop(context.Background(), domain.NodeRAGOrchestrator, domain.NodePinecone, st(domain.LabelInternal, domain.ActionAllow, false))
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reason, "conditions satisfied")
}

func TestEvaluateHopEgressBlocked(t *testing.T) {
	e := bundledEvaluator(t)

	d := e.EvaluateHop(context.Background(), domain.NodeDLPGateway, domain.NodeUser, st(domain.LabelInternal, domain.ActionBlock, false))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "action=block")
	assert.NotEmpty(t, d.RuleID)
}

func TestEvaluateHopOrchestratorToLLM(t *testing.T) {
	e := bundledEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		state domain.State
		allow bool
	}{
		{"internal allow", st(domain.LabelInternal, domain.ActionAllow, true), true},
		{"internal mask", st(domain.LabelInternal, domain.ActionMask, false), true},
		{"internal block", st(domain.LabelInternal, domain.ActionBlock, false), false},
		{"pii allow", st(domain.LabelRestrictedPII, domain.ActionAllow, true), false},
		{"phi mask", st(domain.LabelRestrictedPHI, domain.ActionMask, true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, tt.state)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Empty(t, d.RuleID)
			if tt.allow {
				assert.Contains(t, d.Reason, "rag_orchestrator -> llm allowed")
			} else {
				assert.Contains(t, d.Reason, "blocked due to label/action")
			}
		})
	}
}

func TestEvaluateHopOrchestratorToLLMBypassesRuleTable(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*Store{
		"no rule": NewStore(nil),
		"deny rule": NewStore([]domain.FlowRule{
			{ID: "deny-llm", From: domain.NodeRAGOrchestrator, To: domain.NodeLLM, Allowed: false},
		}),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			e := NewEvaluator(store, nil)

			d := e.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, st(domain.LabelInternal, domain.ActionAllow, false))
			assert.True(t, d.Allow)
			assert.Empty(t, d.RuleID)
			assert.Equal(t, "rag_orchestrator -> llm allowed (label=INTERNAL, action=allow)", d.Reason)

			d = e.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, st(domain.LabelRestrictedPII, domain.ActionAllow, false))
			assert.False(t, d.Allow)
			assert.Contains(t, d.Reason, "blocked due to label/action")
		})
	}
}

func TestEvaluateHopDefaultsState(t *testing.T) {
	e := bundledEvaluator(t)

	d := e.EvaluateHop(context.Background(), domain.NodeRAGOrchestrator, domain.NodeLLM, domain.State{})
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reason, "label=INTERNAL, action=allow")
}

func TestEvaluateHopNoMatchingFlow(t *testing.T) {
	e := bundledEvaluator(t)

	d := e.EvaluateHop(context.Background(), "crm", "warehouse", st(domain.LabelInternal, domain.ActionAllow, true))
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonNoMatchingFlow, d.Reason)
}

func TestEvaluateHopExplicitDeny(t *testing.T) {
	e := bundledEvaluator(t)

	d := e.EvaluateHop(context.Background(), domain.NodeUser, domain.NodeLLM, domain.State{})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "explicitly denied")
}

func TestEvaluateHopFirstRuleDecides(t *testing.T) {
	store := NewStore([]domain.FlowRule{
		{ID: "strict", From: "a", To: "b", Allowed: true, Conditions: []string{"redaction_applied == true"}},
		{ID: "lenient", From: "a", To: "b", Allowed: true},
	})
	e := NewEvaluator(store, nil)

	d := e.EvaluateHop(context.Background(), "a", "b", st(domain.LabelInternal, domain.ActionAllow, false))
	assert.False(t, d.Allow)
	assert.Equal(t, "strict", d.RuleID)
	assert.Equal(t, "flow strict denied: redaction_applied == true (redaction_applied=false)", d.Reason)
}

func TestEvaluateHopDeniedDespiteConditions(t *testing.T) {
	store := NewStore([]domain.FlowRule{
		{ID: "quarantine", From: "a", To: "b", Allowed: false, Conditions: []string{"policy_decision.action in [allow]"}},
	})
	e := NewEvaluator(store, nil)

	d := e.EvaluateHop(context.Background(), "a", "b", domain.State{})
	assert.False(t, d.Allow)
	assert.Equal(t, "flow quarantine denied (allowed=false despite conditions passing)", d.Reason)
}

func TestEvaluateHopUnknownConditionPosture(t *testing.T) {
	store := NewStore([]domain.FlowRule{
		{ID: "geo", From: "a", To: "b", Allowed: true, Conditions: []string{"region == eu"}},
	})

	open := NewEvaluator(store, nil)
	assert.False(t, open.FailClosedConditions())
	assert.True(t, open.EvaluateHop(context.Background(), "a", "b", domain.State{}).Allow)

	closed := NewEvaluator(store, nil, WithFailClosedConditions(true))
	d := closed.EvaluateHop(context.Background(), "a", "b", domain.State{})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "region == eu")
}

func TestEvaluateHopConfigurationError(t *testing.T) {
	_, loadErr := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, loadErr)

	e := NewEvaluator(nil, loadErr)
	assert.Nil(t, e.Store())

	for _, hop := range []domain.Hop{
		{From: domain.NodeUser, To: domain.NodeDLPGateway},
		{From: domain.NodeRAGOrchestrator, To: domain.NodeLLM},
	} {
		d := e.EvaluateHop(context.Background(), hop.From, hop.To, domain.State{})
		assert.False(t, d.Allow)
		assert.Contains(t, d.Reason, "policy configuration error")
		assert.Contains(t, d.Reason, "policy file not found")
	}
}

func TestEvaluatorReplaceStore(t *testing.T) {
	e := NewEvaluator(nil, errors.New("boom"))
	d := e.EvaluateHop(context.Background(), "a", "b", domain.State{})
	assert.Equal(t, "policy configuration error: boom", d.Reason)

	e.ReplaceStore(NewStore([]domain.FlowRule{{ID: "ab", From: "a", To: "b", Allowed: true}}), nil)
	require.NotNil(t, e.Store())
	d = e.EvaluateHop(context.Background(), "a", "b", domain.State{})
	assert.True(t, d.Allow)
	assert.Equal(t, "ab", d.RuleID)

	e.ReplaceStore(nil, nil)
	assert.False(t, e.EvaluateHop(context.Background(), "a", "b", domain.State{}).Allow)
}

func TestEvaluateHopIsDeterministic(t *testing.T) {
	e := bundledEvaluator(t)
	nodes := []string{
		domain.NodeUser, domain.NodeDLPGateway, domain.NodeRAGOrchestrator,
		domain.NodeLLM, domain.NodePinecone, domain.NodeEvidenceStore,
	}

	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(nodes).Draw(t, "from")
		to := rapid.SampledFrom(nodes).Draw(t, "to")
		state := st(
			rapid.SampledFrom([]domain.Label{domain.LabelInternal, domain.LabelRestrictedPII, domain.LabelRestrictedPHI}).Draw(t, "label"),
			rapid.SampledFrom([]domain.Action{domain.ActionAllow, domain.ActionMask, domain.ActionBlock}).Draw(t, "action"),
			rapid.Bool().Draw(t, "redacted"),
		)

		first := e.EvaluateHop(context.Background(), from, to, state)
		second := e.EvaluateHop(context.Background(), from, to, state)
		if first != second {
			t.Fatalf("decision changed between calls: %+v vs %+v", first, second)
		}
		if first.Reason == "" {
			t.Fatalf("empty reason for %s -> %s", from, to)
		}
	})
}
