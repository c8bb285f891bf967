// Package evidence turns DLP decisions into immutable audit records. Records
// carry entity types and scores plus a masked preview, never raw values.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/policy/dlp"
)

// PreviewLimit caps the content preview length in runes.
const PreviewLimit = 200

// Entry describes one decision to record.
type Entry struct {
	Stage     string
	Role      string
	Decision  domain.Action
	Label     domain.Label
	Entities  []domain.Entity
	Content   string
	RelatedID string
}

// Recorder assigns ids and timestamps and writes records to a sink.
type Recorder struct {
	sink     domain.EvidenceSink
	detector *dlp.Detector
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder writes records to sink. detector masks previews; nil selects
// the default rules.
func NewRecorder(sink domain.EvidenceSink, detector *dlp.Detector, opts ...Option) *Recorder {
	if detector == nil {
		detector = dlp.NewDefaultDetector()
	}
	r := &Recorder{
		sink:     sink,
		detector: detector,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds and stores a record. The returned record is populated even
// when the write fails so callers can still report the decision id.
func (r *Recorder) Record(ctx context.Context, e Entry) (domain.DecisionRecord, error) {
	rec := domain.DecisionRecord{
		ID:             r.newID(),
		Timestamp:      r.now().UTC(),
		Stage:          e.Stage,
		Role:           e.Role,
		Decision:       e.Decision,
		Label:          e.Label,
		Findings:       Findings(e.Entities),
		ContentPreview: Preview(r.detector.Mask(e.Content, e.Entities)),
		RelatedID:      e.RelatedID,
	}

	if err := r.sink.Put(ctx, rec); err != nil {
		r.logger.Error("evidence write failed",
			"decision_id", rec.ID,
			"stage", rec.Stage,
			"error", err,
		)
		return rec, fmt.Errorf("%w: %w", domain.ErrEvidenceWrite, err)
	}

	r.logger.Info("decision recorded",
		"decision_id", rec.ID,
		"stage", rec.Stage,
		"decision", rec.Decision,
		"findings", len(rec.Findings),
	)
	return rec, nil
}

// Lookup fetches a record when the sink supports reads.
func (r *Recorder) Lookup(ctx context.Context, id string) (domain.DecisionRecord, bool, error) {
	reader, ok := r.sink.(domain.EvidenceReader)
	if !ok {
		return domain.DecisionRecord{}, false, nil
	}
	rec, err := reader.Get(ctx, id)
	return rec, true, err
}

// Close closes the sink.
func (r *Recorder) Close() error {
	return r.sink.Close()
}

// Findings projects entities to their storage-safe form.
func Findings(entities []domain.Entity) []domain.Finding {
	out := make([]domain.Finding, 0, len(entities))
	for _, e := range entities {
		out = append(out, domain.Finding{Type: e.Type, Score: e.Score})
	}
	return out
}

// Preview truncates s to PreviewLimit runes.
func Preview(s string) string {
	runes := []rune(s)
	if len(runes) <= PreviewLimit {
		return s
	}
	return string(runes[:PreviewLimit])
}
