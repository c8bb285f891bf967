package flow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// ConditionKind identifies one of the supported condition forms.
type ConditionKind string

const (
	// KindLabelNotIn is "classification_label not_in [A, B]"; violated when the label is listed.
	KindLabelNotIn ConditionKind = "label_not_in"
	// KindActionIn is "policy_decision.action in [a, b]"; violated when the action is not listed.
	KindActionIn ConditionKind = "action_in"
	// KindRedactionRequired is "redaction_applied == true"; violated when no redaction was applied.
	KindRedactionRequired ConditionKind = "redaction_required"
	// KindUnknown is any other string. Its outcome depends on the evaluator posture.
	KindUnknown ConditionKind = "unknown"
)

const (
	labelNotInPrefix  = "classification_label not_in"
	actionInPrefix    = "policy_decision.action in"
	redactionRequired = "redaction_applied == true"
)

// Condition is a compiled condition string.
type Condition struct {
	Raw    string
	Kind   ConditionKind
	Values []string
}

// ParseCondition compiles a condition string. It never fails: strings that do
// not match a supported form compile to KindUnknown.
func ParseCondition(raw string) Condition {
	c := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(c, labelNotInPrefix):
		return Condition{Raw: c, Kind: KindLabelNotIn, Values: parseList(c)}
	case strings.HasPrefix(c, actionInPrefix):
		return Condition{Raw: c, Kind: KindActionIn, Values: parseList(c)}
	case c == redactionRequired:
		return Condition{Raw: c, Kind: KindRedactionRequired}
	default:
		return Condition{Raw: c, Kind: KindUnknown}
	}
}

// Violated reports whether state breaks the condition. Unknown conditions are
// violated only when failClosed is set.
func (c Condition) Violated(state domain.State, failClosed bool) bool {
	switch c.Kind {
	case KindLabelNotIn:
		return slices.Contains(c.Values, string(state.ClassificationLabel))
	case KindActionIn:
		return !slices.Contains(c.Values, string(state.PolicyDecision.Action))
	case KindRedactionRequired:
		return !state.RedactionApplied
	default:
		return failClosed
	}
}

// Fact describes the state value the condition inspected, e.g. "action=block".
func (c Condition) Fact(state domain.State) string {
	switch c.Kind {
	case KindLabelNotIn:
		return fmt.Sprintf("label=%s", state.ClassificationLabel)
	case KindActionIn:
		return fmt.Sprintf("action=%s", state.PolicyDecision.Action)
	case KindRedactionRequired:
		return "redaction_applied=" + strconv.FormatBool(state.RedactionApplied)
	default:
		return "unrecognized condition"
	}
}

// parseList extracts the bracketed comma list, "[A, B]" → ["A", "B"].
func parseList(cond string) []string {
	start := strings.Index(cond, "[")
	end := strings.Index(cond, "]")
	if start == -1 || end == -1 || end <= start {
		return []string{}
	}

	parts := strings.Split(cond[start+1:end], ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
