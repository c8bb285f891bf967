package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// FileStore writes one JSON document per record under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create evidence dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put creates <dir>/<id>.json exclusively.
func (s *FileStore) Put(_ context.Context, rec domain.DecisionRecord) error {
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}

	// #nosec G304 -- path is derived from a validated record id
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, rec.ID)
		}
		return fmt.Errorf("storage: create record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: sync record: %w", err)
	}
	return f.Close()
}

// Get reads a record back.
func (s *FileStore) Get(_ context.Context, id string) (domain.DecisionRecord, error) {
	path, err := s.path(id)
	if err != nil {
		return domain.DecisionRecord{}, err
	}

	// #nosec G304 -- path is derived from a validated record id
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DecisionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.DecisionRecord{}, fmt.Errorf("storage: read record: %w", err)
	}

	var rec domain.DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("storage: decode record: %w", err)
	}
	return rec, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("storage: invalid record id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}
