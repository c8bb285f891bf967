// Package gateway exposes the DLP decision points over HTTP: prompt ingress
// and response egress, plus classification, hop and movement checks for
// pipeline components and operators.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dlp/internal/governance"
	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/evidence"
	"github.com/polisai/polis-dlp/pkg/policy"
	"github.com/polisai/polis-dlp/pkg/policy/classify"
	"github.com/polisai/polis-dlp/pkg/policy/movement"
)

const defaultMaxBodyBytes = 1 << 20

// Response bodies for blocked content.
const (
	BlockedPromptMessage   = "Prompt blocked by DLP policy."
	BlockedResponseMessage = "Response blocked by DLP policy."
)

// Error codes returned in domain.ErrorResponse.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeMovementDenied  = "MOVEMENT_DENIED"
	CodeUpstreamFailed  = "UPSTREAM_FAILED"
	CodeEvidenceFailed  = "EVIDENCE_WRITE_FAILED"
	CodeNotFound        = "NOT_FOUND"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
	CodeInternalFailure = "INTERNAL_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
)

// Options wires the gateway's collaborators.
type Options struct {
	Movement  *movement.Orchestrator
	Roles     policy.RolePolicy
	Recorder  *evidence.Recorder
	Generator domain.Generator
	Postures  policy.PostureSet
	Metrics   *Metrics
	Logger    *slog.Logger
	// RateLimiter limits prompts per user id; nil disables it.
	RateLimiter *governance.RateLimiter
	// MaxBodyBytes caps request bodies; zero selects 1 MiB.
	MaxBodyBytes int64
}

// Server serves the gateway API.
type Server struct {
	movement   *movement.Orchestrator
	classifier *classify.Classifier
	roles      policy.RolePolicy
	recorder   *evidence.Recorder
	generator  domain.Generator
	postures   policy.PostureSet
	metrics    *Metrics
	logger     *slog.Logger
	limiter    *governance.RateLimiter
	maxBody    int64
}

// New validates opts and builds a server.
func New(opts Options) (*Server, error) {
	if opts.Movement == nil {
		return nil, errors.New("gateway: movement orchestrator is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("gateway: evidence recorder is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("gateway: generator is required")
	}
	if opts.Roles.IsZero() {
		opts.Roles = policy.NewRolePolicy()
	}
	if opts.Postures.IsZero() {
		opts.Postures = policy.DefaultPostureSet()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &Server{
		movement:   opts.Movement,
		classifier: opts.Movement.Classifier(),
		roles:      opts.Roles,
		recorder:   opts.Recorder,
		generator:  opts.Generator,
		postures:   opts.Postures,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		limiter:    opts.RateLimiter,
		maxBody:    opts.MaxBodyBytes,
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/prompt", s.handlePrompt)
	mux.HandleFunc("POST /v1/classify", s.handleClassify)
	mux.HandleFunc("POST /v1/movement", s.handleMovement)
	mux.HandleFunc("POST /v1/hop", s.handleHop)
	mux.HandleFunc("POST /v1/decide", s.handleDecide)
	mux.HandleFunc("GET /v1/evidence/{id}", s.handleEvidence)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	return otelhttp.NewHandler(s.metrics.MetricsMiddleware(mux), "polis.dlp")
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body: "+err.Error(), "")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message, decisionID string) {
	writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message, DecisionID: decisionID})
}
