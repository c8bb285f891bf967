package dlp

import (
	"regexp"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Rule declares one detection heuristic.
type Rule struct {
	// Type is the entity type emitted for each accepted match.
	Type domain.EntityType
	// Pattern locates candidate values.
	Pattern string
	// Group selects the capture group holding the value; zero means the whole match.
	Group int
	// Score is the confidence attached to every entity from this rule.
	Score float64
	// Context, when set, must match somewhere inside the window around the candidate.
	Context string
	// Window is the number of bytes inspected on each side of the candidate for Context.
	Window int
	// TrimSuffix lists trailing characters stripped from the value before length checks.
	TrimSuffix string
	// Normalize rewrites the value before it is checked and emitted.
	Normalize func(string) string
	// MinLen and MaxLen bound the accepted value length (zero disables the bound).
	MinLen int
	MaxLen int
	// Once limits the rule to a single entity per text.
	Once bool
	// Validate performs an extra acceptance check on the value.
	Validate func(string) bool
	// Maskable marks values that Mask replaces.
	Maskable bool
}

// Detector applies detection rules to text. It holds no mutable state and is
// safe for concurrent use.
type Detector struct {
	rules    []compiledRule
	maskable map[domain.EntityType]bool
}

// compiledRule is an internal representation of a Rule with compiled expressions.
type compiledRule struct {
	Rule
	expr    *regexp.Regexp
	context *regexp.Regexp
}

const defaultWindow = 25
