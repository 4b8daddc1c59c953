package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

const keyPrefix = "tomopipe:dataset:"

// Store implements ports.StateStore on Redis, one JSON document per dataset.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a new Redis-backed state store.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Save persists a dataset record. Records never expire: they are the durable
// processing history and are removed only by an explicit Delete.
func (s *Store) Save(ctx context.Context, ds *domain.Dataset) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	if err := s.client.Set(ctx, datasetKey(ds.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save dataset: %w", err)
	}

	s.logger.Debug("dataset saved",
		zap.String("dataset", ds.ID),
		zap.String("status", string(ds.Status)))

	return nil
}

// Load retrieves a dataset record by ID.
func (s *Store) Load(ctx context.Context, id string) (*domain.Dataset, error) {
	data, err := s.client.Get(ctx, datasetKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}

	var ds domain.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}

	return &ds, nil
}

// List returns every stored dataset record.
func (s *Store) List(ctx context.Context) ([]*domain.Dataset, error) {
	pattern := keyPrefix + "*"

	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	datasets := make([]*domain.Dataset, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to get dataset: %w", err)
		}

		var ds domain.Dataset
		if err := json.Unmarshal(data, &ds); err != nil {
			s.logger.Warn("skipping corrupt dataset record",
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		datasets = append(datasets, &ds)
	}

	return datasets, nil
}

// Delete removes a dataset record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, datasetKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}

	s.logger.Debug("dataset deleted", zap.String("dataset", id))

	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// datasetKey returns the Redis key for a dataset record.
func datasetKey(id string) string {
	return keyPrefix + id
}
