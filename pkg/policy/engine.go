package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/flow"
)

//go:embed data_movement.rego
var dataMovementModule string

const (
	defaultQuery         = "data.dlp.data_movement.decision"
	defaultCacheCapacity = 1024
)

// RegoOptions control RegoEngine construction.
type RegoOptions struct {
	// Module replaces the embedded data movement policy.
	Module string
	// Query is the decision path. Empty selects data.dlp.data_movement.decision.
	Query string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	// FailClosedConditions makes unknown condition strings count as violated.
	FailClosedConditions bool
	Logger               *slog.Logger
}

// regoSnapshot is the flows document handed to OPA, precomputed once per store.
type regoSnapshot struct {
	generation uint64
	flows      []any
	err        error
}

// RegoEngine evaluates hops with an embedded OPA instance.
type RegoEngine struct {
	prepared   rego.PreparedEvalQuery
	current    atomic.Pointer[regoSnapshot]
	generation atomic.Uint64
	failClosed bool
	cache      *decisionCache
	logger     *slog.Logger
}

// NewRegoEngine compiles the data movement policy and loads store into it.
// A non-nil loadErr makes every hop deny, as with flow.Evaluator.
func NewRegoEngine(ctx context.Context, store *flow.Store, loadErr error, opts RegoOptions) (*RegoEngine, error) {
	src := opts.Module
	if strings.TrimSpace(src) == "" {
		src = dataMovementModule
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = defaultQuery
	}

	module, err := ast.ParseModuleWithOpts("data_movement.rego", src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module: %w", err)
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &RegoEngine{
		prepared:   prepared,
		failClosed: opts.FailClosedConditions,
		logger:     logger,
	}
	if maxEntries > 0 {
		engine.cache = newDecisionCache(maxEntries)
	}
	engine.ReplaceStore(store, loadErr)
	return engine, nil
}

// ReplaceStore swaps in a new store and drops cached decisions.
func (e *RegoEngine) ReplaceStore(store *flow.Store, loadErr error) {
	if store == nil && loadErr == nil {
		loadErr = &domain.ConfigurationError{Reason: "policy store not loaded"}
	}
	snap := &regoSnapshot{generation: e.generation.Add(1), err: loadErr}
	if loadErr == nil {
		snap.flows = flowsInput(store)
	}
	e.current.Store(snap)
	e.FlushCache()
}

// EvaluateHop implements domain.HopEvaluator.
func (e *RegoEngine) EvaluateHop(ctx context.Context, from, to string, state domain.State) domain.HopDecision {
	state = state.Normalize()
	snap := e.current.Load()

	decision := domain.HopDecision{From: from, To: to}
	if snap.err != nil {
		decision.Reason = fmt.Sprintf("policy configuration error: %v", snap.err)
		return decision
	}

	key := e.cacheKey(snap.generation, from, to, state)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached
		}
	}

	allow, reason, ruleID, err := e.eval(ctx, snap, from, to, state)
	if err != nil {
		e.logger.Error("rego evaluation failed", "from", from, "to", to, "error", err)
		decision.Reason = fmt.Sprintf("policy engine error: %v", err)
		return decision
	}
	decision.Allow = allow
	decision.Reason = reason
	decision.RuleID = ruleID

	if e.cache != nil {
		e.cache.Add(key, decision)
	}
	return decision
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *RegoEngine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *RegoEngine) eval(ctx context.Context, snap *regoSnapshot, from, to string, state domain.State) (bool, string, string, error) {
	input := map[string]any{
		"from":        from,
		"to":          to,
		"label":       string(state.ClassificationLabel),
		"action":      string(state.PolicyDecision.Action),
		"redacted":    state.RedactionApplied,
		"fail_closed": e.failClosed,
		"flows":       snap.flows,
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", "", fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", "", errors.New("opa decision: empty result")
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return false, "", "", fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	allow, ok := payload["allow"].(bool)
	if !ok {
		return false, "", "", fmt.Errorf("opa decision: allow must be bool, got %T", payload["allow"])
	}
	reason, _ := payload["reason"].(string)
	if reason == "" {
		return false, "", "", errors.New("opa decision: missing reason")
	}
	ruleID, _ := payload["rule_id"].(string)
	return allow, reason, ruleID, nil
}

// cacheKey hashes the hop and the normalized state together with the store
// generation so decisions from a replaced store are never served.
func (e *RegoEngine) cacheKey(generation uint64, from, to string, state domain.State) string {
	h := sha256.New()
	writeCacheKeyField(h, strconv.FormatUint(generation, 10))
	writeCacheKeyField(h, from)
	writeCacheKeyField(h, to)
	writeCacheKeyField(h, string(state.ClassificationLabel))
	writeCacheKeyField(h, string(state.PolicyDecision.Action))
	writeCacheKeyField(h, strconv.FormatBool(state.RedactionApplied))
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// flowsInput converts the store into plain values OPA can ingest without
// reflection, keeping declaration order.
func flowsInput(store *flow.Store) []any {
	rules := store.Rules()
	out := make([]any, 0, len(rules))
	for _, r := range rules {
		compiled := r.CompiledConditions()
		conds := make([]any, 0, len(compiled))
		for _, c := range compiled {
			values := make([]any, 0, len(c.Values))
			for _, v := range c.Values {
				values = append(values, v)
			}
			conds = append(conds, map[string]any{
				"raw":    c.Raw,
				"kind":   string(c.Kind),
				"values": values,
			})
		}
		out = append(out, map[string]any{
			"id":         r.ID,
			"from":       r.From,
			"to":         r.To,
			"allowed":    r.Allowed,
			"conditions": conds,
		})
	}
	return out
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value domain.HopDecision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (domain.HopDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return domain.HopDecision{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *decisionCache) Add(key string, value domain.HopDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
