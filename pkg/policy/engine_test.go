package policy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/flow"
)

func bundledStore(t *testing.T) *flow.Store {
	t.Helper()
	store, err := flow.LoadFile(filepath.Join("..", "..", "configs", "flows.yaml"))
	require.NoError(t, err)
	return store
}

func TestNewRegoEngineRejectsBadModule(t *testing.T) {
	_, err := NewRegoEngine(context.Background(), nil, nil, RegoOptions{Module: "package broken\n\ndecision := {"})
	require.Error(t, err)
}

func TestRegoEngineScenarios(t *testing.T) {
	ctx := context.Background()
	engine, err := NewRegoEngine(ctx, bundledStore(t), nil, RegoOptions{})
	require.NoError(t, err)

	d := engine.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodePinecone, domain.State{ClassificationLabel: domain.LabelRestrictedPHI})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "F03")

	d = engine.EvaluateHop(ctx, domain.NodeDLPGateway, domain.NodeUser, domain.State{PolicyDecision: domain.PolicyDecision{Action: domain.ActionBlock}})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "action=block")

	d = engine.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, domain.State{RedactionApplied: true})
	assert.True(t, d.Allow)
	assert.Equal(t, "rag_orchestrator -> llm allowed (label=INTERNAL, action=allow)", d.Reason)

	d = engine.EvaluateHop(ctx, "crm", "warehouse", domain.State{})
	assert.False(t, d.Allow)
	assert.Equal(t, flow.ReasonNoMatchingFlow, d.Reason)
}

func TestRegoEngineConfigurationError(t *testing.T) {
	ctx := context.Background()
	engine, err := NewRegoEngine(ctx, nil, errors.New("flows missing"), RegoOptions{})
	require.NoError(t, err)

	d := engine.EvaluateHop(ctx, domain.NodeUser, domain.NodeDLPGateway, domain.State{})
	assert.False(t, d.Allow)
	assert.Equal(t, "policy configuration error: flows missing", d.Reason)
}

func TestRegoEngineReplaceStoreFlushesCache(t *testing.T) {
	ctx := context.Background()
	allowAll := flow.NewStore([]domain.FlowRule{{ID: "open", From: "a", To: "b", Allowed: true}})
	denyAll := flow.NewStore([]domain.FlowRule{{ID: "closed", From: "a", To: "b", Allowed: false}})

	engine, err := NewRegoEngine(ctx, allowAll, nil, RegoOptions{})
	require.NoError(t, err)

	assert.True(t, engine.EvaluateHop(ctx, "a", "b", domain.State{}).Allow)
	assert.Equal(t, 1, engine.cache.Len())

	engine.ReplaceStore(denyAll, nil)
	assert.Equal(t, 0, engine.cache.Len())

	d := engine.EvaluateHop(ctx, "a", "b", domain.State{})
	assert.False(t, d.Allow)
	assert.Equal(t, "closed", d.RuleID)
}

func TestRegoEngineOrchestratorToLLMBypassesRuleTable(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*flow.Store{
		"no rule": flow.NewStore(nil),
		"deny rule": flow.NewStore([]domain.FlowRule{
			{ID: "deny-llm", From: domain.NodeRAGOrchestrator, To: domain.NodeLLM, Allowed: false},
		}),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			engine, err := NewRegoEngine(ctx, store, nil, RegoOptions{})
			require.NoError(t, err)

			d := engine.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, domain.State{
				ClassificationLabel: domain.LabelInternal,
				PolicyDecision:      domain.PolicyDecision{Action: domain.ActionAllow},
			})
			assert.True(t, d.Allow)
			assert.Empty(t, d.RuleID)
			assert.Equal(t, "rag_orchestrator -> llm allowed (label=INTERNAL, action=allow)", d.Reason)
		})
	}
}

func TestRegoEngineCacheDisabled(t *testing.T) {
	engine, err := NewRegoEngine(context.Background(), bundledStore(t), nil, RegoOptions{CacheMaxEntries: -1})
	require.NoError(t, err)
	assert.Nil(t, engine.cache)
	assert.True(t, engine.EvaluateHop(context.Background(), domain.NodeUser, domain.NodeDLPGateway, domain.State{}).Allow)
}

func TestDecisionCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newDecisionCache(2)
	c.Add("a", domain.HopDecision{Reason: "a"})
	c.Add("b", domain.HopDecision{Reason: "b"})
	_, _ = c.Get("a")
	c.Add("c", domain.HopDecision{Reason: "c"})

	_, ok := c.Get("b")
	assert.False(t, ok)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Reason)
	assert.Equal(t, 2, c.Len())
}

// parityRules exercises every condition form, duplicate pairs and explicit
// denials on top of the bundled policy.
var parityRules = []domain.FlowRule{
	{ID: "P1", From: "a", To: "b", Allowed: true, Conditions: []string{"redaction_applied == true", "policy_decision.action in [mask]"}},
	{ID: "P2", From: "a", To: "b", Allowed: true},
	{ID: "P3", From: "b", To: "c", Allowed: false, Conditions: []string{"classification_label not_in [RESTRICTED_PHI]"}},
	{ID: "P4", From: "c", To: "a", Allowed: true, Conditions: []string{"region == eu"}},
	{ID: "P5", From: "c", To: "b", Allowed: false},
	{ID: "P6", From: "b", To: "a", Allowed: true, Conditions: []string{"policy_decision.action in []"}},
}

func TestRegoEngineMatchesEvaluator(t *testing.T) {
	ctx := context.Background()
	rules := make([]domain.FlowRule, 0, len(parityRules)+16)
	for _, r := range bundledStore(t).Rules() {
		rules = append(rules, r.FlowRule)
	}
	rules = append(rules, parityRules...)
	store := flow.NewStore(rules)

	nodes := []string{
		"a", "b", "c",
		domain.NodeUser, domain.NodeDLPGateway, domain.NodeRAGOrchestrator,
		domain.NodeLLM, domain.NodePinecone, domain.NodeEvidenceStore,
	}

	for _, failClosed := range []bool{false, true} {
		engine, err := NewRegoEngine(ctx, store, nil, RegoOptions{FailClosedConditions: failClosed})
		require.NoError(t, err)
		evaluator := flow.NewEvaluator(store, nil, flow.WithFailClosedConditions(failClosed))

		rapid.Check(t, func(t *rapid.T) {
			from := rapid.SampledFrom(nodes).Draw(t, "from")
			to := rapid.SampledFrom(nodes).Draw(t, "to")
			state := domain.State{
				ClassificationLabel: rapid.SampledFrom([]domain.Label{"", domain.LabelInternal, domain.LabelRestrictedPII, domain.LabelRestrictedPHI}).Draw(t, "label"),
				PolicyDecision:      domain.PolicyDecision{Action: rapid.SampledFrom([]domain.Action{"", domain.ActionAllow, domain.ActionMask, domain.ActionBlock}).Draw(t, "action")},
				RedactionApplied:    rapid.Bool().Draw(t, "redacted"),
			}

			want := evaluator.EvaluateHop(ctx, from, to, state)
			got := engine.EvaluateHop(ctx, from, to, state)
			if want != got {
				t.Fatalf("fail_closed=%v %s -> %s %+v\nevaluator: %+v\nrego:      %+v", failClosed, from, to, state, want, got)
			}
		})
	}
}
