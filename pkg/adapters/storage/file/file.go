// Package file implements the state store on the local filesystem. Each
// dataset is one JSON document, written with a write-temp-then-rename
// sequence so a crash mid-write never leaves a truncated record behind.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

const recordExt = ".json"

// Store implements ports.StateStore with one file per dataset under a
// state directory.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Save writes the dataset record atomically: marshal to a temp file in the
// same directory, fsync, then rename over the final path.
func (s *Store) Save(ctx context.Context, ds *domain.Dataset) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset %s: %w", ds.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ds.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(ds.ID)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Load reads one dataset record.
func (s *Store) Load(ctx context.Context, id string) (*domain.Dataset, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var ds domain.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &ds, nil
}

// List reads every dataset record in the state directory. Leftover temp
// files from interrupted writes are skipped.
func (s *Store) List(ctx context.Context) ([]*domain.Dataset, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var out []*domain.Dataset
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), recordExt)
		ds, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// Delete removes a dataset record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record %s: %w", id, err)
	}
	return nil
}

// Close releases the store. No-op for the file backend.
func (s *Store) Close() error { return nil }
