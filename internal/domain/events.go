package domain

import "time"

// EventType identifies a pipeline state-change notification.
type EventType string

const (
	EventDatasetDiscovered EventType = "dataset.discovered"
	EventDatasetSucceeded  EventType = "dataset.succeeded"
	EventDatasetFailed     EventType = "dataset.failed"
	EventDatasetCancelled  EventType = "dataset.cancelled"

	EventStageSkipped   EventType = "stage.skipped"
	EventStageReady     EventType = "stage.ready"
	EventStageStarted   EventType = "stage.started"
	EventStageSucceeded EventType = "stage.succeeded"
	EventStageFailed    EventType = "stage.failed"
	EventStageRetrying  EventType = "stage.retrying"
	EventStageCancelled EventType = "stage.cancelled"
)

// Event is a pipeline state-change notification published to observers
// (websocket clients, the metrics mirror, external consumers via Redis
// Streams). Events are advisory: the registry plus StateStore remain the
// source of truth.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Dataset   string         `json:"dataset"`
	Stage     Stage          `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event topics. Dataset-level and stage-level notifications are published on
// separate topics so observers can subscribe to either granularity.
const (
	TopicDatasetEvents = "dataset.events"
	TopicStageEvents   = "stage.events"
)
