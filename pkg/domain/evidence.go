package domain

import (
	"context"
	"time"
)

// Evidence stages.
const (
	StageRequest  = "request"
	StageResponse = "response"
)

// Finding is the storage-safe projection of an Entity: no raw value.
type Finding struct {
	Type  EntityType `json:"type"`
	Score float64    `json:"score"`
}

// DecisionRecord is an immutable audit entry for one DLP decision.
type DecisionRecord struct {
	ID             string    `json:"decision_id"`
	Timestamp      time.Time `json:"timestamp"`
	Stage          string    `json:"stage"`
	Role           string    `json:"role"`
	Decision       Action    `json:"decision"`
	Label          Label     `json:"classification_label,omitempty"`
	Findings       []Finding `json:"pii_findings"`
	ContentPreview string    `json:"content_preview"`
	RelatedID      string    `json:"related_decision_id,omitempty"`
}

// EvidenceSink persists decision records. A record id may be written once.
type EvidenceSink interface {
	Put(ctx context.Context, record DecisionRecord) error
	Close() error
}

// EvidenceReader is implemented by sinks that can serve records back.
type EvidenceReader interface {
	Get(ctx context.Context, id string) (DecisionRecord, error)
}
