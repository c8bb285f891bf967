// Package dlp detects sensitive entities (PII and PHI) in free text using
// pattern heuristics and masks their values on request.
package dlp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// PHIKeywords is the fixed keyword set that marks medical context.
var PHIKeywords = []string{
	"patient",
	"diagnosed",
	"diagnosis",
	"tested positive",
	"test came back",
	"prescription",
	"medications",
	"medical history",
}

// DefaultRules returns the builtin PII/PHI heuristics.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:     domain.EntitySSN,
			Pattern:  `\b\d{3}-\d{2}-\d{4}\b`,
			Score:    0.99,
			Maskable: true,
		},
		{
			Type:     domain.EntityRouting,
			Pattern:  `\b\d{9}\b`,
			Score:    0.98,
			Context:  `(?i)\b(?:routing|aba)\b`,
			Window:   defaultWindow,
			Maskable: true,
		},
		{
			Type:       domain.EntityPassport,
			Pattern:    `(?i)\bpassport\b[\s:#]+(\S+)`,
			Group:      1,
			Score:      0.90,
			TrimSuffix: `.,;:!?)]}"'`,
			MinLen:     5,
			MaxLen:     12,
			Maskable:   true,
		},
		{
			Type:     domain.EntityMRN,
			Pattern:  `(?i)\bMRN[:\s]*(\d+)`,
			Group:    1,
			Score:    0.95,
			Maskable: true,
		},
		{
			Type:      domain.EntityPHIHint,
			Pattern:   phiKeywordPattern(),
			Group:     1,
			Score:     0.90,
			Once:      true,
			Normalize: normalizeKeyword,
		},
		{
			Type:     domain.EntityCreditCard,
			Pattern:  `\b(?:\d[ -]?){12,15}\d\b`,
			Score:    0.85,
			Validate: luhnValid,
			Maskable: true,
		},
		{
			Type:     domain.EntityAccount,
			Pattern:  `(?i)\b(?:account|acct)(?:\s+(?:number|no\.?|#))?[\s:#]*(\d{6,17})\b`,
			Group:    1,
			Score:    0.85,
			Maskable: true,
		},
	}
}

// NewDetector compiles the supplied rules.
func NewDetector(rules []Rule) (*Detector, error) {
	compiled := make([]compiledRule, 0, len(rules))
	maskable := make(map[domain.EntityType]bool, len(rules))
	for _, rule := range rules {
		if strings.TrimSpace(string(rule.Type)) == "" {
			return nil, fmt.Errorf("dlp: rule type is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", rule.Type)
		}
		if rule.Score < 0 || rule.Score > 1 {
			return nil, fmt.Errorf("dlp: score for rule %s must be within [0,1]", rule.Type)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", rule.Type, err)
		}
		if rule.Group > expr.NumSubexp() {
			return nil, fmt.Errorf("dlp: rule %s selects group %d but pattern has %d", rule.Type, rule.Group, expr.NumSubexp())
		}

		c := compiledRule{Rule: rule, expr: expr}
		if rule.Context != "" {
			c.context, err = regexp.Compile(rule.Context)
			if err != nil {
				return nil, fmt.Errorf("dlp: invalid context pattern for rule %s: %w", rule.Type, err)
			}
			if c.Window <= 0 {
				c.Window = defaultWindow
			}
		}
		if rule.Maskable {
			maskable[rule.Type] = true
		}
		compiled = append(compiled, c)
	}

	return &Detector{rules: compiled, maskable: maskable}, nil
}

// NewDefaultDetector returns a Detector built from DefaultRules.
func NewDefaultDetector() *Detector {
	d, err := NewDetector(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("dlp: builtin rules failed to compile: %v", err))
	}
	return d
}

func phiKeywordPattern() string {
	quoted := make([]string, 0, len(PHIKeywords))
	for _, kw := range PHIKeywords {
		quoted = append(quoted, strings.ReplaceAll(regexp.QuoteMeta(kw), " ", `\s+`))
	}
	return `(?i)\b(` + strings.Join(quoted, "|") + `)\b`
}

func normalizeKeyword(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
