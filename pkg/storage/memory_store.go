package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// MemoryStore keeps records in process. Used for tests and the demo default.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.DecisionRecord
	order   []string
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.DecisionRecord),
	}
}

// Put stores rec unless its id is already taken.
func (s *MemoryStore) Put(_ context.Context, rec domain.DecisionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("storage: record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	rec.Findings = append([]domain.Finding(nil), rec.Findings...)
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.DecisionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Findings = append([]domain.Finding(nil), rec.Findings...)
	return rec, nil
}

// List returns all records in write order.
func (s *MemoryStore) List() []domain.DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DecisionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
