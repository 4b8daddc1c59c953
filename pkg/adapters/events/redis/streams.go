// Package redis publishes pipeline events to Redis Streams so observers in
// other processes can follow progress. One stream per topic, consumed through
// a consumer group so restarts pick up where the previous consumer stopped.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
)

const (
	// maxStreamLen bounds each stream with approximate XADD trimming so an
	// unattended deployment cannot grow Redis without limit.
	maxStreamLen = 8192

	readBatch = 16
	readBlock = time.Second
)

// Stream keys for the two pipeline topics.
const (
	datasetStream = "tomopipe:events:datasets"
	stageStream   = "tomopipe:events:stages"
)

// streamKey maps a topic to its Redis stream. Topics outside the pipeline's
// two-topic model get a literal key under the same prefix.
func streamKey(topic string) string {
	switch topic {
	case domain.TopicDatasetEvents:
		return datasetStream
	case domain.TopicStageEvents:
		return stageStream
	default:
		return "tomopipe:events:" + topic
	}
}

// StreamsBus implements ports.EventBus on Redis Streams.
type StreamsBus struct {
	client *redis.Client
	group  string
	name   string
	logger *zap.Logger
}

// NewStreamsBus creates a bus that consumes through the given group under the
// given consumer name. The Redis client is owned by the caller.
func NewStreamsBus(client *redis.Client, group, name string, logger *zap.Logger) *StreamsBus {
	return &StreamsBus{
		client: client,
		group:  group,
		name:   name,
		logger: logger,
	}
}

// Publish appends an event to the topic's stream. The event type and dataset
// ride as top-level fields so external consumers can filter without decoding
// the payload.
func (b *StreamsBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	key := streamKey(topic)
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(event.Type),
			"dataset": event.Dataset,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to stream %s: %w", key, err)
	}

	b.logger.Debug("event published",
		zap.String("stream", key),
		zap.String("type", string(event.Type)),
		zap.String("dataset", event.Dataset))
	return nil
}

// Subscribe ensures the topic's consumer group exists and starts a reader
// that delivers events to handler until ctx is cancelled.
func (b *StreamsBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	key := streamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, key, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", key, err)
	}

	b.logger.Info("consuming event stream",
		zap.String("stream", key),
		zap.String("group", b.group),
		zap.String("consumer", b.name))

	go func() {
		for ctx.Err() == nil {
			if err := b.consume(ctx, key, handler); err != nil && ctx.Err() == nil {
				b.logger.Error("stream read failed",
					zap.String("stream", key), zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()
	return nil
}

// consume performs one blocking read and dispatches the returned batch.
// Handled messages are acknowledged; undecodable or rejected messages are
// acknowledged too, since redelivering them cannot help.
func (b *StreamsBus) consume(ctx context.Context, key string, handler ports.EventHandler) error {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.name,
		Streams:  []string{key, ">"},
		Count:    readBatch,
		Block:    readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if event, ok := b.decode(key, msg); ok {
				if err := handler(ctx, event); err != nil {
					b.logger.Error("event handler failed",
						zap.String("stream", key),
						zap.String("message_id", msg.ID),
						zap.Error(err))
				}
			}
			if err := b.client.XAck(ctx, key, b.group, msg.ID).Err(); err != nil {
				b.logger.Error("failed to ack message",
					zap.String("stream", key),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (b *StreamsBus) decode(key string, msg redis.XMessage) (domain.Event, bool) {
	var event domain.Event
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		b.logger.Error("message without payload field",
			zap.String("stream", key), zap.String("message_id", msg.ID))
		return event, false
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Error("undecodable event payload",
			zap.String("stream", key),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return event, false
	}
	return event, true
}

// Close is a no-op: the Redis client belongs to the caller.
func (b *StreamsBus) Close() error { return nil }
