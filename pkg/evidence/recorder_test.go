package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/dlp"
)

type captureSink struct {
	mu      sync.Mutex
	records []domain.DecisionRecord
	err     error
}

func (s *captureSink) Put(_ context.Context, rec domain.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestRecordMasksPreviewAndDropsValues(t *testing.T) {
	sink := &captureSink{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	r := NewRecorder(sink, nil,
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string { return "dec-1" }),
	)

	text := "My SSN is 123-45-6789"
	entities := dlp.NewDefaultDetector().Detect(text)

	rec, err := r.Record(context.Background(), Entry{
		Stage:    domain.StageRequest,
		Role:     "analyst",
		Decision: domain.ActionBlock,
		Label:    domain.LabelRestrictedPII,
		Entities: entities,
		Content:  text,
	})
	require.NoError(t, err)

	assert.Equal(t, "dec-1", rec.ID)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.True(t, rec.Timestamp.Equal(fixed))
	assert.Equal(t, "My SSN is [REDACTED:ssn]", rec.ContentPreview)
	assert.Equal(t, []domain.Finding{{Type: domain.EntitySSN, Score: 0.99}}, rec.Findings)
	require.Len(t, sink.records, 1)
	assert.NotContains(t, sink.records[0].ContentPreview, "6789")
}

func TestRecordAssignsUniqueIDs(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, nil)

	a, err := r.Record(context.Background(), Entry{Stage: domain.StageRequest, Decision: domain.ActionAllow})
	require.NoError(t, err)
	b, err := r.Record(context.Background(), Entry{Stage: domain.StageResponse, Decision: domain.ActionAllow, RelatedID: a.ID})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, b.RelatedID)
	assert.NotNil(t, a.Findings)
}

func TestRecordWrapsSinkErrors(t *testing.T) {
	r := NewRecorder(&captureSink{err: errors.New("bucket unavailable")}, nil)

	rec, err := r.Record(context.Background(), Entry{Stage: domain.StageRequest})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEvidenceWrite)
	assert.Contains(t, err.Error(), "bucket unavailable")
	assert.NotEmpty(t, rec.ID)
}

func TestPreviewTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", PreviewLimit+50)
	got := Preview(long)
	assert.Equal(t, PreviewLimit, len([]rune(got)))
	assert.Equal(t, "short", Preview("short"))
}

func TestLookupWithoutReader(t *testing.T) {
	r := NewRecorder(&captureSink{}, nil)
	_, ok, err := r.Lookup(context.Background(), "x")
	assert.False(t, ok)
	assert.NoError(t, err)
}
