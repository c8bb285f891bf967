package dlp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dlp/pkg/domain"
)

func types(entities []domain.Entity) []domain.EntityType {
	out := make([]domain.EntityType, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Type)
	}
	return out
}

func TestDetect(t *testing.T) {
	d := NewDefaultDetector()

	tests := []struct {
		name  string
		text  string
		want  []domain.EntityType
		value string
	}{
		{
			name: "no findings",
			text: "Meeting tomorrow to discuss quarterly revenue growth.",
			want: []domain.EntityType{},
		},
		{
			name:  "ssn",
			text:  "My SSN is 123-45-6789.",
			want:  []domain.EntityType{domain.EntitySSN},
			value: "123-45-6789",
		},
		{
			name:  "routing number with keyword nearby",
			text:  "Wire it to routing number 021000021 please",
			want:  []domain.EntityType{domain.EntityRouting},
			value: "021000021",
		},
		{
			name:  "aba keyword",
			text:  "ABA 021000021",
			want:  []domain.EntityType{domain.EntityRouting},
			value: "021000021",
		},
		{
			name: "nine digits without keyword",
			text: "order 021000021 shipped",
			want: []domain.EntityType{},
		},
		{
			name: "keyword cut from a longer word at the window edge",
			text: "xaba" + strings.Repeat(" ", 22) + "123456789",
			want: []domain.EntityType{},
		},
		{
			name:  "keyword at the window edge",
			text:  "aba" + strings.Repeat(" ", 22) + "123456789",
			want:  []domain.EntityType{domain.EntityRouting},
			value: "123456789",
		},
		{
			name: "keyword outside window",
			text: "routing is covered in chapter four of the handbook, ticket 021000021",
			want: []domain.EntityType{},
		},
		{
			name:  "passport token",
			text:  "Her passport X1234567, issued 2019",
			want:  []domain.EntityType{domain.EntityPassport},
			value: "X1234567",
		},
		{
			name: "passport token too short",
			text: "passport A12",
			want: []domain.EntityType{},
		},
		{
			name: "passport token too long",
			text: "passport ABCDEFGHIJKLMNOP",
			want: []domain.EntityType{},
		},
		{
			name:  "mrn with colon",
			text:  "mrn: 4455",
			want:  []domain.EntityType{domain.EntityMRN},
			value: "4455",
		},
		{
			name:  "phi keyword",
			text:  "She TESTED   POSITIVE for strep",
			want:  []domain.EntityType{domain.EntityPHIHint},
			value: "tested positive",
		},
		{
			name:  "credit card passes luhn",
			text:  "card 4111 1111 1111 1111 on file",
			want:  []domain.EntityType{domain.EntityCreditCard},
			value: "4111 1111 1111 1111",
		},
		{
			name: "credit card fails luhn",
			text: "card 4111 1111 1111 1112 on file",
			want: []domain.EntityType{},
		},
		{
			name:  "account number",
			text:  "account number: 12345678",
			want:  []domain.EntityType{domain.EntityAccount},
			value: "12345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(tt.text)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, types(got))
			if tt.value != "" {
				require.Len(t, got, 1)
				assert.Equal(t, tt.value, got[0].Value)
			}
		})
	}
}

func TestDetectPatientMRN(t *testing.T) {
	got := NewDefaultDetector().Detect("Patient MRN 998877, chest pain since 3am.")

	require.Len(t, got, 2)
	assert.Equal(t, domain.Entity{Type: domain.EntityMRN, Value: "998877", Score: 0.95}, got[0])
	assert.Equal(t, domain.Entity{Type: domain.EntityPHIHint, Value: "patient", Score: 0.90}, got[1])
}

func TestDetectIsAdditive(t *testing.T) {
	text := "SSN 123-45-6789 and 987-65-4321, routing 021000021, patient diagnosed"
	got := NewDefaultDetector().Detect(text)

	assert.Equal(t, []domain.EntityType{
		domain.EntitySSN,
		domain.EntitySSN,
		domain.EntityRouting,
		domain.EntityPHIHint,
	}, types(got))
}

func TestDetectScores(t *testing.T) {
	for _, e := range NewDefaultDetector().Detect("SSN 123-45-6789 routing 021000021 passport P7654321 MRN 12 patient") {
		assert.GreaterOrEqual(t, e.Score, 0.0)
		assert.LessOrEqual(t, e.Score, 1.0)
	}
}

func TestMask(t *testing.T) {
	d := NewDefaultDetector()
	text := "Patient SSN 123-45-6789, MRN 998877."
	masked := d.Mask(text, d.Detect(text))

	assert.Equal(t, "Patient SSN [REDACTED:ssn], MRN [REDACTED:mrn].", masked)
}

func TestMaskWithoutEntities(t *testing.T) {
	d := NewDefaultDetector()
	assert.Equal(t, "nothing here", d.Mask("nothing here", nil))
}

func TestNewDetectorRejectsInvalidRules(t *testing.T) {
	_, err := NewDetector([]Rule{{Type: "X", Pattern: "("}})
	require.Error(t, err)

	_, err = NewDetector([]Rule{{Type: "X"}})
	require.Error(t, err)

	_, err = NewDetector([]Rule{{Type: "X", Pattern: "abc", Group: 1}})
	require.Error(t, err)

	_, err = NewDetector([]Rule{{Type: "X", Pattern: "abc", Score: 1.5}})
	require.Error(t, err)
}

func TestLuhn(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.True(t, luhnValid("5500-0000-0000-0004"))
	assert.False(t, luhnValid("4111111111111112"))
	assert.False(t, luhnValid("1234"))
}
