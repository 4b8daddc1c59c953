package memory

import (
	"context"
	"sync"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// Store implements ports.StateStore with an in-process map. It is used in
// tests and for runs where durability across restarts is not needed.
type Store struct {
	datasets map[string]*domain.Dataset
	mu       sync.RWMutex
}

// NewStore creates a new in-memory state store.
func NewStore() *Store {
	return &Store{datasets: make(map[string]*domain.Dataset)}
}

// Save persists a dataset record.
func (s *Store) Save(ctx context.Context, ds *domain.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Deep copy so later registry mutations don't leak into the store.
	s.datasets[ds.ID] = ds.Clone()
	return nil
}

// Load retrieves a dataset record by ID.
func (s *Store) Load(ctx context.Context, id string) (*domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ds.Clone(), nil
}

// List returns all stored dataset records.
func (s *Store) List(ctx context.Context) ([]*domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Dataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, ds.Clone())
	}
	return out, nil
}

// Delete removes a dataset record.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.datasets, id)
	return nil
}

// Close releases the store. No-op for the in-memory backend.
func (s *Store) Close() error { return nil }
