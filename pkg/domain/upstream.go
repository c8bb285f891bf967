package domain

import "context"

// GenerateRequest is what the gateway hands to the retrieval and generation stage.
type GenerateRequest struct {
	Prompt             string               `json:"prompt"`
	UserRole           string               `json:"user_role"`
	OriginalDecisionID string               `json:"original_decision_id"`
	Classification     ClassificationResult `json:"classification"`
}

// GenerateResponse is the model answer before egress inspection.
type GenerateResponse struct {
	Answer  string `json:"answer"`
	Context string `json:"context,omitempty"`
}

// Generator performs retrieval and generation for an approved prompt.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}
