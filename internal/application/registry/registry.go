// Package registry holds the authoritative in-memory record of every known
// dataset. The scheduler loop is the only writer; API handlers read through
// snapshot accessors. Every mutation is mirrored to the durable state store
// before the registry reports it applied.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
)

// Registry is the dataset table. Reads return deep copies so callers can
// never observe a record mid-mutation.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*domain.Dataset
	store    ports.StateStore
	logger   *zap.Logger

	// overwrite selects the duplicate-identity policy: replace the existing
	// record instead of rejecting the new arrival.
	overwrite bool
}

// New creates an empty registry backed by the given store.
func New(store ports.StateStore, overwrite bool, logger *zap.Logger) *Registry {
	return &Registry{
		datasets:  make(map[string]*domain.Dataset),
		store:     store,
		logger:    logger,
		overwrite: overwrite,
	}
}

// Restore loads all persisted dataset records. Stages found Running are reset
// to Pending with their attempt counts preserved: the process died while they
// ran and their work must be redone.
func (r *Registry) Restore(ctx context.Context) error {
	stored, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored datasets: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ds := range stored {
		reset := 0
		for _, st := range ds.Stages {
			switch st.Status {
			case domain.StageRunning, domain.StageReady:
				st.Status = domain.StagePending
				st.StartedAt = nil
				reset++
			case domain.StageFailed:
				// A pending retry does not survive the restart window;
				// the stage becomes eligible again immediately.
				if st.RetryAt != nil {
					st.RetryAt = nil
					st.Status = domain.StagePending
					reset++
				}
			}
		}
		ds.Recompute()
		r.datasets[ds.ID] = ds

		r.logger.Info("dataset restored",
			zap.String("dataset", ds.ID),
			zap.String("status", string(ds.Status)),
			zap.Int("stages_reset", reset))
	}

	return nil
}

// Add registers a newly discovered dataset. A known identity is either
// rejected with a DuplicateDatasetError or, under the overwrite policy,
// replaced wholesale.
func (r *Registry) Add(ctx context.Context, ds *domain.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.datasets[ds.ID]; exists {
		if !r.overwrite {
			return &domain.DuplicateDatasetError{Dataset: ds.ID}
		}
		r.logger.Warn("overwriting existing dataset record",
			zap.String("dataset", ds.ID))
	}

	if err := r.store.Save(ctx, ds); err != nil {
		return fmt.Errorf("persist dataset %s: %w", ds.ID, err)
	}
	r.datasets[ds.ID] = ds
	return nil
}

// Known reports whether an identity is already registered.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.datasets[id]
	return ok
}

// Get returns a copy of one dataset record.
func (r *Registry) Get(id string) (*domain.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, ok := r.datasets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ds.Clone(), nil
}

// List returns copies of all records in discovery order: DiscoveredAt
// ascending, ties broken by name so the order is total and stable.
func (r *Registry) List() []*domain.Dataset {
	r.mu.RLock()
	out := make([]*domain.Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		out = append(out, ds.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies fn to a record under the write lock and persists the
// result. fn returning an error aborts the update with the record
// unchanged in the store.
func (r *Registry) Update(ctx context.Context, id string, fn func(*domain.Dataset) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds, ok := r.datasets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(ds); err != nil {
		return err
	}
	ds.Recompute()
	if err := r.store.Save(ctx, ds); err != nil {
		return fmt.Errorf("persist dataset %s: %w", id, err)
	}
	return nil
}

// TransitionStage moves one stage of a dataset through the status machine,
// rejecting transitions the machine does not allow.
func (r *Registry) TransitionStage(ctx context.Context, id string, stage domain.Stage, to domain.StageStatus, mutate func(*domain.StageState)) error {
	return r.Update(ctx, id, func(ds *domain.Dataset) error {
		st := ds.Stage(stage)
		if st == nil {
			return fmt.Errorf("dataset %s has no stage %s", id, stage)
		}
		if !domain.AllowedTransition(st.Status, to) {
			return fmt.Errorf("stage %s of %s: illegal transition %s -> %s", stage, id, st.Status, to)
		}
		st.Status = to
		if mutate != nil {
			mutate(st)
		}
		return nil
	})
}

// Counts returns the dataset population by aggregate status.
func (r *Registry) Counts() (processing, succeeded, failed, cancelled int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ds := range r.datasets {
		switch ds.Status {
		case domain.DatasetProcessing:
			processing++
		case domain.DatasetSucceeded:
			succeeded++
		case domain.DatasetFailed:
			failed++
		case domain.DatasetCancelled:
			cancelled++
		}
	}
	return
}
