// Package ports defines the interfaces between the orchestration core and
// its adapters (state storage, event fan-out, metrics).
package ports

import (
	"context"
	"time"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// StateStore is the durable mirror of the DatasetRegistry. Save is called
// after every state transition; Load/List feed resume after a restart.
type StateStore interface {
	Save(ctx context.Context, ds *domain.Dataset) error
	Load(ctx context.Context, id string) (*domain.Dataset, error)
	List(ctx context.Context) ([]*domain.Dataset, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// EventHandler processes a single published event.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus fans pipeline events out to observers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// Metrics records orchestration metrics. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordDatasetDiscovered()
	RecordDatasetFinished(status string)
	RecordStageOutcome(stage, status string, duration time.Duration)
	RecordStageRetry(stage string)
	SetSlotUsage(class string, inUse, capacity int)
	SetDatasetCounts(processing, succeeded, failed, cancelled int)
}
