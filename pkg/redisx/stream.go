package redisx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sagakit/sagakit/pkg/saga"
)

// DefaultEventStream is the stream saga lifecycle events are published to
// when no other stream is configured.
const DefaultEventStream = "saga:events"

// StreamPublisher publishes saga lifecycle events to a Redis Stream. It
// implements saga.EventPublisher; publish failures surface as errors and
// are logged by the orchestrator, never aborting the transition.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher 创建事件发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish 发布事件到 Stream
func (p *StreamPublisher) Publish(ctx context.Context, event saga.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":   string(event.Type),
			"sagaId": event.SagaID,
			"data":   string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Trim 裁剪 Stream
func (p *StreamPublisher) Trim(ctx context.Context, maxLen int64) error {
	return p.client.XTrimMaxLen(ctx, p.stream, maxLen).Err()
}

var _ saga.EventPublisher = (*StreamPublisher)(nil)
