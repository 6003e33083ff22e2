package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"huddle/internal/core/domain"
	"huddle/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannelPrefix = "huddle:room:"

func roomChannel(roomID domain.RoomID) string {
	return roomChannelPrefix + string(roomID)
}

// envelope wraps a relayed message with the publisher that produced it, so
// subscribers can skip their own traffic.
type envelope struct {
	Origin  string          `json:"origin"`
	RoomID  domain.RoomID   `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// EventBus fans room traffic out across relay instances over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, log *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger.OrNop(log),
	}
}

func (eb *EventBus) Publish(ctx context.Context, roomID domain.RoomID, raw []byte) error {
	data, err := json.Marshal(envelope{Origin: eb.instanceID, RoomID: roomID, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := eb.client.Publish(ctx, roomChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish room message: %w", err)
	}
	return nil
}

// Subscribe delivers every room message published by other instances until
// ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(roomID domain.RoomID, raw []byte)) error {
	pubsub := eb.client.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal room envelope",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			if env.Origin == eb.instanceID {
				continue
			}
			roomID := env.RoomID
			if roomID == "" {
				roomID = domain.RoomID(strings.TrimPrefix(msg.Channel, roomChannelPrefix))
			}
			handler(roomID, env.Payload)
		}
	}
}
