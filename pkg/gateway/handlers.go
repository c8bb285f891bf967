package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dlp/internal/governance"
	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/evidence"
	"github.com/polisai/polis-dlp/pkg/policy"
	"github.com/polisai/polis-dlp/pkg/storage"
	"github.com/polisai/polis-dlp/pkg/telemetry"
)

// PromptRequest is the ingress payload.
type PromptRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Prompt string `json:"prompt"`
}

// PromptResponse is returned once the answer passed egress inspection.
type PromptResponse struct {
	Answer            string        `json:"answer"`
	DecisionID        string        `json:"decision_id"`
	RequestDecisionID string        `json:"request_decision_id"`
	Role              string        `json:"role"`
	Classification    domain.Label  `json:"classification"`
	Action            domain.Action `json:"action"`
}

// TextRequest carries free text for classification.
type TextRequest struct {
	Text string `json:"text"`
}

// MovementRequest carries a prompt for a movement check.
type MovementRequest struct {
	Prompt string `json:"prompt"`
}

// HopRequest asks about a single hop.
type HopRequest struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	State domain.State `json:"state"`
}

// DecideRequest asks for the role policy outcome on text.
type DecideRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// DecideResponse is the role policy outcome.
type DecideResponse struct {
	Action   domain.Action   `json:"action"`
	Label    domain.Label    `json:"classification_label"`
	Entities []domain.Entity `json:"entities"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	var req PromptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "prompt is required", "")
		return
	}
	if !s.allow(w, r, req.UserID) {
		return
	}

	span.SetAttributes(telemetry.RedactAttributes([]attribute.KeyValue{
		attribute.String("enduser.id", req.UserID),
		attribute.String("enduser.role", req.Role),
	}, map[string]string{"enduser.id": "hash"})...)

	// Ingress inspection.
	inbound := s.classifier.ClassifyText(req.Prompt)
	action := s.roles.Decide(req.Role, inbound.Entities)
	telemetry.RecordClassification(span, inbound)
	telemetry.RecordPolicyAction(span, domain.StageRequest, action)
	s.metrics.RecordDecision(domain.StageRequest, action, inbound.Entities)

	reqRec, ok := s.record(ctx, w, evidence.Entry{
		Stage:    domain.StageRequest,
		Role:     req.Role,
		Decision: action,
		Label:    inbound.Label,
		Entities: inbound.Entities,
		Content:  req.Prompt,
	})
	if !ok {
		return
	}

	s.logger.Info("prompt inspected",
		"decision_id", reqRec.ID,
		"role", req.Role,
		"label", inbound.Label,
		"action", action,
		"entity_types", domain.EntityTypes(inbound.Entities),
		"prompt_len", len(req.Prompt),
	)

	if action == domain.ActionBlock {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Code:       "PROMPT_BLOCKED",
			Message:    BlockedPromptMessage,
			Error:      BlockedPromptMessage,
			DecisionID: reqRec.ID,
		})
		return
	}

	outgoing := req.Prompt
	redacted := false
	if action == domain.ActionMask {
		outgoing = s.classifier.Detector().Mask(req.Prompt, inbound.Entities)
		redacted = true
	}

	// What actually leaves the gateway is classified again before the LLM hop.
	outbound := s.classifier.ClassifyText(outgoing)
	hop := s.movement.EvaluateHop(ctx, domain.NodeRAGOrchestrator, domain.NodeLLM, domain.State{
		ClassificationLabel: outbound.Label,
		PolicyDecision:      domain.PolicyDecision{Action: action},
		RedactionApplied:    redacted,
	})
	s.metrics.RecordHop(hop)
	if !hop.Allow {
		writeError(w, http.StatusForbidden, CodeMovementDenied, hop.Reason, reqRec.ID)
		return
	}

	gen, err := s.generator.Generate(ctx, domain.GenerateRequest{
		Prompt:             outgoing,
		UserRole:           req.Role,
		OriginalDecisionID: reqRec.ID,
		Classification:     outbound,
	})
	s.metrics.RecordUpstreamCall(err)
	if err != nil {
		s.logger.Error("generation failed", "decision_id", reqRec.ID, "error", err)
		writeError(w, http.StatusBadGateway, CodeUpstreamFailed, "generation service unavailable", reqRec.ID)
		return
	}

	// Egress inspection.
	answerResult := s.classifier.ClassifyText(gen.Answer)
	answerAction := s.roles.Decide(req.Role, answerResult.Entities)
	telemetry.RecordPolicyAction(span, domain.StageResponse, answerAction)
	s.metrics.RecordDecision(domain.StageResponse, answerAction, answerResult.Entities)

	egress := s.movement.EvaluateHop(ctx, domain.NodeDLPGateway, domain.NodeUser, domain.State{
		ClassificationLabel: answerResult.Label,
		PolicyDecision:      domain.PolicyDecision{Action: answerAction},
		RedactionApplied:    answerAction == domain.ActionMask,
	})
	s.metrics.RecordHop(egress)
	if !egress.Allow && answerAction != domain.ActionBlock {
		s.logger.Warn("egress hop denied", "decision_id", reqRec.ID, "reason", egress.Reason)
		answerAction = domain.ActionBlock
	}

	respRec, ok := s.record(ctx, w, evidence.Entry{
		Stage:     domain.StageResponse,
		Role:      req.Role,
		Decision:  answerAction,
		Label:     answerResult.Label,
		Entities:  answerResult.Entities,
		Content:   gen.Answer,
		RelatedID: reqRec.ID,
	})
	if !ok {
		return
	}

	answer := gen.Answer
	switch answerAction {
	case domain.ActionBlock:
		answer = BlockedResponseMessage
	case domain.ActionMask:
		answer = s.classifier.Detector().Mask(gen.Answer, answerResult.Entities)
	}

	writeJSON(w, http.StatusOK, PromptResponse{
		Answer:            answer,
		DecisionID:        respRec.ID,
		RequestDecisionID: reqRec.ID,
		Role:              req.Role,
		Classification:    answerResult.Label,
		Action:            answerAction,
	})
}

// allow applies the per-user prompt limit, falling back to the client address
// for anonymous callers.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if !s.limiter.Enabled() {
		return true
	}
	key := userID
	if key == "" {
		key = clientAddr(r)
	}
	ok, remaining := s.limiter.Allow(key)
	governance.WriteRateLimitHeaders(w, s.limiter.Limit(), remaining)
	if !ok {
		s.logger.Warn("prompt rate limited", "user_id", userID)
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many prompts, retry later", "")
	}
	return ok
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// record writes evidence and applies the evidence posture. It reports false
// when the response has already been written.
func (s *Server) record(ctx context.Context, w http.ResponseWriter, e evidence.Entry) (domain.DecisionRecord, bool) {
	rec, err := s.recorder.Record(ctx, e)
	s.metrics.RecordEvidenceWrite(e.Stage, err)
	if err == nil {
		return rec, true
	}
	if s.postures.FailClosed(policy.DomainEvidence) {
		writeError(w, http.StatusInternalServerError, CodeEvidenceFailed, "decision could not be recorded", rec.ID)
		return rec, false
	}
	s.logger.Warn("continuing without evidence", "decision_id", rec.ID, "stage", e.Stage)
	return rec, true
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !s.decode(w, r, &req) {
		return
	}
	result := s.classifier.ClassifyText(req.Text)
	telemetry.RecordClassification(trace.SpanFromContext(r.Context()), result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !s.decode(w, r, &req) {
		return
	}
	verdict := s.movement.EvaluateMovement(r.Context(), req.Prompt)
	for _, h := range verdict.Hops {
		s.metrics.RecordHop(h)
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleHop(w http.ResponseWriter, r *http.Request) {
	var req HopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "from and to are required", "")
		return
	}
	decision := s.movement.EvaluateHop(r.Context(), req.From, req.To, req.State)
	s.metrics.RecordHop(decision)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !s.decode(w, r, &req) {
		return
	}
	result := s.classifier.ClassifyText(req.Text)
	writeJSON(w, http.StatusOK, DecideResponse{
		Action:   s.roles.Decide(req.Role, result.Entities),
		Label:    result.Label,
		Entities: result.Entities,
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, supported, err := s.recorder.Lookup(r.Context(), id)
	switch {
	case !supported:
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "evidence backend does not support lookups", "")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "decision not found", "")
	case err != nil:
		s.logger.Error("evidence lookup failed", "decision_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalFailure, "evidence lookup failed", "")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}
