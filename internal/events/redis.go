package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "workflow-events"

const publishTimeout = 2 * time.Second

// RedisPublisher publishes each event as JSON on a Redis channel so other
// processes can follow workflow progress.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel if empty).
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Emit publishes the event. Failures are logged and dropped.
func (p *RedisPublisher) Emit(ctx context.Context, evt *types.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("failed to marshal event", "error", err, "workflow_id", evt.WorkflowID)
		return
	}

	// Detach from the caller so a cancelled workflow still announces it.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.Publish(pubCtx, p.channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish event to redis",
			"error", err,
			"channel", p.channel,
			"workflow_id", evt.WorkflowID,
		)
	}
}

var _ Emitter = (*RedisPublisher)(nil)
