package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Tee writes to a primary sink and then copies to secondaries. Only the
// primary write decides success; secondary failures are logged.
type Tee struct {
	primary     domain.EvidenceSink
	secondaries []domain.EvidenceSink
	logger      *slog.Logger
}

// NewTee wraps primary with best-effort secondaries.
func NewTee(primary domain.EvidenceSink, logger *slog.Logger, secondaries ...domain.EvidenceSink) *Tee {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{primary: primary, secondaries: secondaries, logger: logger}
}

// Put implements domain.EvidenceSink.
func (t *Tee) Put(ctx context.Context, rec domain.DecisionRecord) error {
	if err := t.primary.Put(ctx, rec); err != nil {
		return err
	}
	for _, s := range t.secondaries {
		if err := s.Put(ctx, rec); err != nil {
			t.logger.Warn("secondary evidence write failed", "decision_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Get delegates to the primary when it supports reads.
func (t *Tee) Get(ctx context.Context, id string) (domain.DecisionRecord, error) {
	if reader, ok := t.primary.(domain.EvidenceReader); ok {
		return reader.Get(ctx, id)
	}
	return domain.DecisionRecord{}, ErrNotFound
}

// Close closes every sink.
func (t *Tee) Close() error {
	errs := []error{t.primary.Close()}
	for _, s := range t.secondaries {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
