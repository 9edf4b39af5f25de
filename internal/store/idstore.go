package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IDStore persists the single "last uploaded art id" record
type IDStore interface {
	// Load returns the stored id, or "" when none has been saved.
	Load(ctx context.Context) (string, error)
	// Save overwrites the stored id.
	Save(ctx context.Context, id string) error
}

// FileIDStore keeps the id as one line of text
type FileIDStore struct {
	path string
}

// NewFileIDStore returns a store backed by path; the file is created on the
// first Save.
func NewFileIDStore(path string) *FileIDStore {
	return &FileIDStore{path: path}
}

// Load reads the stored id
func (s *FileIDStore) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read last art id %s: %w", s.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save replaces the stored id
func (s *FileIDStore) Save(ctx context.Context, id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(s.path), err)
	}
	if err := WriteFileAtomic(s.path, strings.NewReader(id)); err != nil {
		return fmt.Errorf("write last art id %s: %w", s.path, err)
	}
	return nil
}
