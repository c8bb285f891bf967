// Package classify maps detected entities to a single sensitivity label.
//
// The precedence table is shared by both entry points: Label works on entities
// a caller already has, and Classifier.ClassifyText runs detection first.
package classify

import (
	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/dlp"
)

var (
	phiTypes = map[domain.EntityType]struct{}{
		domain.EntityMRN:     {},
		domain.EntityPHIHint: {},
	}
	piiTypes = map[domain.EntityType]struct{}{
		domain.EntitySSN:        {},
		domain.EntityRouting:    {},
		domain.EntityPassport:   {},
		domain.EntityCreditCard: {},
		domain.EntityAccount:    {},
	}
)

// Label returns RESTRICTED_PHI when any PHI type is present, otherwise
// RESTRICTED_PII when any PII type is present, otherwise INTERNAL.
func Label(entities []domain.Entity) domain.Label {
	hasPII := false
	for _, e := range entities {
		if _, ok := phiTypes[e.Type]; ok {
			return domain.LabelRestrictedPHI
		}
		if _, ok := piiTypes[e.Type]; ok {
			hasPII = true
		}
	}
	if hasPII {
		return domain.LabelRestrictedPII
	}
	return domain.LabelInternal
}

// Classifier combines a Detector with the label precedence.
type Classifier struct {
	detector *dlp.Detector
}

// New returns a Classifier backed by detector. A nil detector selects the builtin rules.
func New(detector *dlp.Detector) *Classifier {
	if detector == nil {
		detector = dlp.NewDefaultDetector()
	}
	return &Classifier{detector: detector}
}

// Detector exposes the underlying detector for masking.
func (c *Classifier) Detector() *dlp.Detector {
	return c.detector
}

// ClassifyText detects entities in text and labels them.
func (c *Classifier) ClassifyText(text string) domain.ClassificationResult {
	entities := c.detector.Detect(text)
	return domain.ClassificationResult{
		Label:    Label(entities),
		Entities: entities,
	}
}
