// Package flow holds the data movement policy: the table of directed flow rules
// and the evaluator that decides single hops against it.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Rule is a FlowRule with its conditions compiled.
type Rule struct {
	domain.FlowRule
	compiled []Condition
}

// CompiledConditions returns the parsed conditions in declaration order.
func (r Rule) CompiledConditions() []Condition {
	return append([]Condition(nil), r.compiled...)
}

type edge struct {
	from string
	to   string
}

// Store is an immutable, ordered table of flow rules. It is safe for
// concurrent readers.
type Store struct {
	source string
	rules  []Rule
	index  map[edge][]int
}

// Option configures store loading.
type Option func(*loadOptions)

type loadOptions struct {
	logger *slog.Logger
	source string
}

// WithLogger reports unknown conditions found while loading.
func WithLogger(logger *slog.Logger) Option {
	return func(o *loadOptions) { o.logger = logger }
}

// WithSource names the document in errors and logs.
func WithSource(source string) Option {
	return func(o *loadOptions) { o.source = source }
}

// LoadFile reads and parses a flows document from disk.
func LoadFile(path string, opts ...Option) (*Store, error) {
	// #nosec G304 -- policy path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		reason := "failed to read policy file"
		if errors.Is(err, os.ErrNotExist) {
			reason = "policy file not found"
		}
		return nil, &domain.ConfigurationError{Source: path, Reason: reason, Err: err}
	}
	return Parse(data, append([]Option{WithSource(path)}, opts...)...)
}

// Parse decodes a flows document, JSON or YAML:
//
//	{"flows": [{"id": "...", "from": "...", "to": "...", "allowed": true, "conditions": ["..."]}]}
func Parse(data []byte, opts ...Option) (*Store, error) {
	o := loadOptions{source: "flows"}
	for _, opt := range opts {
		opt(&o)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErr(o.source, "failed to decode policy document", err)
	}
	raw, ok := doc["flows"]
	if !ok {
		return nil, configErr(o.source, "invalid policy structure: 'flows' is missing", nil)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, configErr(o.source, "invalid policy structure: 'flows' must be a list", nil)
	}

	rules := make([]domain.FlowRule, 0, len(items))
	for i, item := range items {
		rule, err := decodeRule(i, item)
		if err != nil {
			return nil, configErr(o.source, err.Error(), nil)
		}
		rules = append(rules, rule)
	}

	store := NewStore(rules)
	store.source = o.source

	if o.logger != nil {
		for _, r := range store.rules {
			for _, c := range r.compiled {
				if c.Kind == KindUnknown {
					o.logger.Warn("unrecognized flow condition",
						"source", o.source,
						"flow_id", r.ID,
						"condition", c.Raw,
					)
				}
			}
		}
	}

	return store, nil
}

// NewStore builds a store from rules already in memory, keeping their order.
func NewStore(rules []domain.FlowRule) *Store {
	s := &Store{
		source: "memory",
		rules:  make([]Rule, 0, len(rules)),
		index:  make(map[edge][]int),
	}
	for i, fr := range rules {
		fr.Conditions = append([]string(nil), fr.Conditions...)
		compiled := make([]Condition, 0, len(fr.Conditions))
		for _, c := range fr.Conditions {
			compiled = append(compiled, ParseCondition(c))
		}
		s.rules = append(s.rules, Rule{FlowRule: fr, compiled: compiled})
		key := edge{from: fr.From, to: fr.To}
		s.index[key] = append(s.index[key], i)
	}
	return s
}

// Lookup returns the rules for the hop in declaration order.
func (s *Store) Lookup(from, to string) []Rule {
	idx := s.index[edge{from: from, to: to}]
	if len(idx) == 0 {
		return nil
	}
	out := make([]Rule, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.rules[i])
	}
	return out
}

// Rules returns every rule in declaration order.
func (s *Store) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s *Store) Len() int {
	return len(s.rules)
}

// Source names where the rules came from.
func (s *Store) Source() string {
	return s.source
}

func decodeRule(i int, item any) (domain.FlowRule, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return domain.FlowRule{}, fmt.Errorf("flows[%d] must be an object", i)
	}

	var rule domain.FlowRule
	var err error
	if rule.ID, err = requiredString(obj, "id", i); err != nil {
		return rule, err
	}
	if rule.From, err = requiredString(obj, "from", i); err != nil {
		return rule, err
	}
	if rule.To, err = requiredString(obj, "to", i); err != nil {
		return rule, err
	}

	switch v := obj["allowed"].(type) {
	case nil:
		rule.Allowed = false
	case bool:
		rule.Allowed = v
	default:
		return rule, fmt.Errorf("flows[%d] (%s): 'allowed' must be a boolean", i, rule.ID)
	}

	switch v := obj["conditions"].(type) {
	case nil:
	case []any:
		for j, c := range v {
			s, ok := c.(string)
			if !ok {
				return rule, fmt.Errorf("flows[%d] (%s): conditions[%d] must be a string", i, rule.ID, j)
			}
			rule.Conditions = append(rule.Conditions, s)
		}
	default:
		return rule, fmt.Errorf("flows[%d] (%s): 'conditions' must be a list", i, rule.ID)
	}

	return rule, nil
}

func requiredString(obj map[string]any, key string, i int) (string, error) {
	v, ok := obj[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("flows[%d]: '%s' must be a non-empty string", i, key)
	}
	return v, nil
}

func configErr(source, reason string, err error) error {
	return &domain.ConfigurationError{Source: source, Reason: reason, Err: err}
}
