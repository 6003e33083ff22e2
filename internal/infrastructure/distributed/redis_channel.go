package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel subscribes a participant directly to a room's Redis channel,
// sharing the envelope format of the relay fan-out so both paths interoperate.
type RedisChannel struct {
	client    *redis.Client
	roomID    domain.RoomID
	sessionID domain.SessionID
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	closed    chan struct{}
	closeOnce sync.Once
}

func NewRedisChannel(client *redis.Client, roomID domain.RoomID, sessionID domain.SessionID, log *zap.SugaredLogger) *RedisChannel {
	return &RedisChannel{
		client:    client,
		roomID:    roomID,
		sessionID: sessionID,
		logger:    logger.OrNop(log).With("room_id", roomID),
		closed:    make(chan struct{}),
	}
}

// Subscribe returns once Redis confirms the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, domain.ErrChannelClosed
	default:
	}
	if c.pubsub != nil {
		return nil, fmt.Errorf("already subscribed to %s", c.roomID)
	}

	pubsub := c.client.Subscribe(ctx, roomChannel(c.roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.roomID, err)
	}
	c.pubsub = pubsub

	inbound := make(chan []byte, 256)
	go c.forward(pubsub.Channel(), inbound)
	return inbound, nil
}

func (c *RedisChannel) forward(in <-chan *redis.Message, out chan<- []byte) {
	defer close(out)
	for msg := range in {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Debugw("dropping malformed room envelope", "error", err)
			continue
		}
		if env.Origin == string(c.sessionID) {
			continue
		}
		select {
		case out <- []byte(env.Payload):
		case <-c.closed:
			return
		}
	}
}

func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}
	data, err := json.Marshal(envelope{Origin: string(c.sessionID), RoomID: c.roomID, Payload: payload})
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, roomChannel(c.roomID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pubsub != nil {
			err = c.pubsub.Close()
		}
	})
	return err
}

var _ ports.RelayChannel = (*RedisChannel)(nil)
