package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrEvidenceWrite       = errors.New("evidence write failed")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
)

// ConfigurationError reports a policy configuration that is missing or
// structurally invalid. It matches ErrConfigInvalid under errors.Is.
type ConfigurationError struct {
	Source string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := e.Reason
	if e.Source != "" {
		msg = fmt.Sprintf("%s: %s", e.Source, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is reports ErrConfigInvalid so callers do not need the concrete type.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// ErrorResponse defines the standard JSON error model returned by the gateway API.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code       string `json:"code"`                  // Machine-readable error code (e.g., INVALID_REQUEST, PROMPT_BLOCKED)
	Message    string `json:"message"`               // Human-readable message (safe for logs)
	Error      string `json:"error,omitempty"`       // Legacy field consumed by the demo UI
	DecisionID string `json:"decision_id,omitempty"` // Evidence record backing the decision
}
