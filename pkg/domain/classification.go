package domain

// EntityType names a kind of sensitive value found by the detector.
type EntityType string

const (
	EntitySSN        EntityType = "SSN"
	EntityRouting    EntityType = "ROUTING"
	EntityPassport   EntityType = "PASSPORT"
	EntityMRN        EntityType = "MRN"
	EntityPHIHint    EntityType = "PHI_HINT"
	EntityCreditCard EntityType = "CREDIT_CARD"
	EntityAccount    EntityType = "ACCOUNT"
)

// Entity is a single finding. Entities are produced fresh per call and never mutated.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
	Score float64    `json:"score"`
}

// Label is the sensitivity tier assigned to a piece of text.
type Label string

const (
	LabelInternal      Label = "INTERNAL"
	LabelRestrictedPII Label = "RESTRICTED_PII"
	LabelRestrictedPHI Label = "RESTRICTED_PHI"
)

// Restricted reports whether the label is one of the two restricted tiers.
func (l Label) Restricted() bool {
	return l == LabelRestrictedPII || l == LabelRestrictedPHI
}

// ClassificationResult pairs a label with the entities that produced it.
type ClassificationResult struct {
	Label    Label    `json:"label"`
	Entities []Entity `json:"entities"`
}

// EntityTypes returns the distinct entity types in first-seen order.
func EntityTypes(entities []Entity) []EntityType {
	if len(entities) == 0 {
		return nil
	}
	seen := make(map[EntityType]struct{}, len(entities))
	out := make([]EntityType, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.Type]; ok {
			continue
		}
		seen[e.Type] = struct{}{}
		out = append(out, e.Type)
	}
	return out
}
