package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dlp/pkg/domain"
)

var allTypes = []domain.EntityType{
	domain.EntitySSN,
	domain.EntityRouting,
	domain.EntityPassport,
	domain.EntityMRN,
	domain.EntityPHIHint,
	domain.EntityCreditCard,
	domain.EntityAccount,
	domain.EntityType("ADDRESS"),
}

func entityGen(types []domain.EntityType) *rapid.Generator[domain.Entity] {
	return rapid.Custom(func(t *rapid.T) domain.Entity {
		return domain.Entity{
			Type:  rapid.SampledFrom(types).Draw(t, "type"),
			Value: rapid.StringN(0, 8, -1).Draw(t, "value"),
			Score: rapid.Float64Range(0, 1).Draw(t, "score"),
		}
	})
}

func TestLabel(t *testing.T) {
	assert.Equal(t, domain.LabelInternal, Label(nil))
	assert.Equal(t, domain.LabelInternal, Label([]domain.Entity{}))
	assert.Equal(t, domain.LabelRestrictedPII, Label([]domain.Entity{{Type: domain.EntitySSN, Score: 0.99}}))
	assert.Equal(t, domain.LabelRestrictedPHI, Label([]domain.Entity{{Type: domain.EntityMRN, Score: 0.95}}))
	assert.Equal(t, domain.LabelInternal, Label([]domain.Entity{{Type: "ADDRESS", Score: 0.9}}))
}

func TestLabelPHIPrecedenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		entities := rapid.SliceOf(entityGen(allTypes)).Draw(rt, "entities")
		phi := entityGen([]domain.EntityType{domain.EntityMRN, domain.EntityPHIHint}).Draw(rt, "phi")
		at := rapid.IntRange(0, len(entities)).Draw(rt, "at")

		withPHI := append(append(append([]domain.Entity{}, entities[:at]...), phi), entities[at:]...)
		if got := Label(withPHI); got != domain.LabelRestrictedPHI {
			rt.Fatalf("expected RESTRICTED_PHI, got %s", got)
		}
	})
}

func TestLabelPIIWithoutPHIProperty(t *testing.T) {
	nonPHI := []domain.EntityType{
		domain.EntitySSN,
		domain.EntityRouting,
		domain.EntityPassport,
		domain.EntityCreditCard,
		domain.EntityAccount,
		domain.EntityType("ADDRESS"),
	}
	rapid.Check(t, func(rt *rapid.T) {
		entities := rapid.SliceOf(entityGen(nonPHI)).Draw(rt, "entities")
		pii := entityGen([]domain.EntityType{domain.EntitySSN, domain.EntityRouting, domain.EntityPassport}).Draw(rt, "pii")

		if got := Label(append(entities, pii)); got != domain.LabelRestrictedPII {
			rt.Fatalf("expected RESTRICTED_PII, got %s", got)
		}
	})
}

func TestLabelOrderAndDuplicatesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		entities := rapid.SliceOf(entityGen(allTypes)).Draw(rt, "entities")
		want := Label(entities)

		shuffled := rapid.Permutation(entities).Draw(rt, "shuffled")
		if got := Label(shuffled); got != want {
			rt.Fatalf("order changed label: %s != %s", got, want)
		}

		doubled := append(append([]domain.Entity{}, entities...), entities...)
		if got := Label(doubled); got != want {
			rt.Fatalf("duplicates changed label: %s != %s", got, want)
		}
	})
}

func TestClassifyText(t *testing.T) {
	c := New(nil)

	res := c.ClassifyText("My SSN is 123-45-6789.")
	assert.Equal(t, domain.LabelRestrictedPII, res.Label)
	if assert.Len(t, res.Entities, 1) {
		assert.Equal(t, domain.EntitySSN, res.Entities[0].Type)
	}

	res = c.ClassifyText("Patient MRN 998877, chest pain since 3am.")
	assert.Equal(t, domain.LabelRestrictedPHI, res.Label)
	assert.Equal(t, []domain.EntityType{domain.EntityMRN, domain.EntityPHIHint}, domain.EntityTypes(res.Entities))

	res = c.ClassifyText("Schedule a limo in LA tomorrow.")
	assert.Equal(t, domain.LabelInternal, res.Label)
	assert.Empty(t, res.Entities)
}

func TestClassifyTextAgreesWithLabel(t *testing.T) {
	c := New(nil)
	samples := []string{
		"My name is Sarah Johnson and my SSN is 555-22-1234.",
		"Meeting tomorrow to discuss quarterly revenue growth.",
		"The patient was diagnosed with hypertension and prescribed medication.",
		"routing 021000021 and passport P9988776",
	}
	for _, s := range samples {
		res := c.ClassifyText(s)
		assert.Equal(t, Label(c.Detector().Detect(s)), res.Label, s)
	}
}
