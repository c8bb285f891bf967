package domain

import "context"

// Action is the enforcement outcome attached to a piece of content.
type Action string

const (
	// ActionAllow lets the content through unchanged.
	ActionAllow Action = "allow"
	// ActionMask lets the content through after sensitive values are masked.
	ActionMask Action = "mask"
	// ActionBlock rejects the content.
	ActionBlock Action = "block"
)

// Well-known pipeline nodes.
const (
	NodeUser            = "user"
	NodeDLPGateway      = "dlp_gateway"
	NodeRAGOrchestrator = "rag_orchestrator"
	NodeLLM             = "llm"
	NodePinecone        = "pinecone"
	NodeEvidenceStore   = "evidence_s3"
)

// NodeOther stands in for node names outside the well-known set wherever a
// bounded vocabulary is required, such as metric labels.
const NodeOther = "other"

var knownNodes = map[string]struct{}{
	NodeUser:            {},
	NodeDLPGateway:      {},
	NodeRAGOrchestrator: {},
	NodeLLM:             {},
	NodePinecone:        {},
	NodeEvidenceStore:   {},
}

// KnownNode reports whether name is one of the well-known nodes.
func KnownNode(name string) bool {
	_, ok := knownNodes[name]
	return ok
}

// BoundedNode returns name when it is well known and NodeOther otherwise.
func BoundedNode(name string) string {
	if KnownNode(name) {
		return name
	}
	return NodeOther
}

// PolicyDecision is the DLP action carried into flow evaluation.
type PolicyDecision struct {
	Action Action `json:"action"`
}

// State carries the facts a flow rule's conditions inspect.
type State struct {
	ClassificationLabel Label          `json:"classification_label"`
	PolicyDecision      PolicyDecision `json:"policy_decision"`
	RedactionApplied    bool           `json:"redaction_applied"`
}

// Normalize fills the defaults used when a caller omits a field:
// label INTERNAL and action allow.
func (s State) Normalize() State {
	if s.ClassificationLabel == "" {
		s.ClassificationLabel = LabelInternal
	}
	if s.PolicyDecision.Action == "" {
		s.PolicyDecision.Action = ActionAllow
	}
	return s
}

// FlowRule is a configured permission for data moving along one hop.
type FlowRule struct {
	ID         string   `json:"id" yaml:"id"`
	From       string   `json:"from" yaml:"from"`
	To         string   `json:"to" yaml:"to"`
	Allowed    bool     `json:"allowed" yaml:"allowed"`
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Hop is one directed edge in the data movement graph.
type Hop struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// HopDecision is the outcome of evaluating a single hop.
type HopDecision struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	RuleID string `json:"rule_id,omitempty"`
}

// MovementVerdict aggregates the hop decisions for one prompt.
type MovementVerdict struct {
	Classification ClassificationResult `json:"classification"`
	Hops           []HopDecision        `json:"hops"`
	Blocked        bool                 `json:"blocked"`
}

// HopEvaluator decides whether data in the given state may move from one node to another.
// Implementations never return a decision without a reason and deny on internal failure.
type HopEvaluator interface {
	EvaluateHop(ctx context.Context, from, to string, state State) HopDecision
}
