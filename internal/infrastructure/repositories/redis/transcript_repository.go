package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// upsertSegment stores a segment by id and appends it to the room order the
// first time the id is seen. Returns 1 when the segment is new.
var upsertSegment = redis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if created == 1 then
	local seq = redis.call('INCR', KEYS[3])
	redis.call('ZADD', KEYS[2], seq, ARGV[1])
else
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return created
`)

type RedisTranscriptRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisTranscriptRepository(client *redis.Client) ports.TranscriptRepository {
	return &RedisTranscriptRepository{
		client: client,
		prefix: "huddle:transcript:",
	}
}

func (r *RedisTranscriptRepository) segmentsKey(roomID domain.RoomID) string {
	return r.prefix + string(roomID) + ":segments"
}

func (r *RedisTranscriptRepository) orderKey(roomID domain.RoomID) string {
	return r.prefix + string(roomID) + ":order"
}

func (r *RedisTranscriptRepository) seqKey(roomID domain.RoomID) string {
	return r.prefix + string(roomID) + ":seq"
}

func (r *RedisTranscriptRepository) Upsert(ctx context.Context, seg *domain.Segment) (bool, error) {
	data, err := json.Marshal(seg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal segment: %w", err)
	}

	keys := []string{r.segmentsKey(seg.RoomID), r.orderKey(seg.RoomID), r.seqKey(seg.RoomID)}
	created, err := upsertSegment.Run(ctx, r.client, keys, seg.ID, data).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert segment in Redis: %w", err)
	}
	return created == 1, nil
}

func (r *RedisTranscriptRepository) Get(ctx context.Context, roomID domain.RoomID, segmentID string) (*domain.Segment, error) {
	data, err := r.client.HGet(ctx, r.segmentsKey(roomID), segmentID).Result()
	if err == redis.Nil {
		return nil, domain.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment from Redis: %w", err)
	}

	var seg domain.Segment
	if err := json.Unmarshal([]byte(data), &seg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment: %w", err)
	}
	return &seg, nil
}

func (r *RedisTranscriptRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Segment, error) {
	order, err := r.client.ZRange(ctx, r.orderKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript order: %w", err)
	}
	if len(order) == 0 {
		return []*domain.Segment{}, nil
	}

	values, err := r.client.HMGet(ctx, r.segmentsKey(roomID), order...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript segments: %w", err)
	}

	segments := make([]*domain.Segment, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var seg domain.Segment
		if err := json.Unmarshal([]byte(data), &seg); err != nil {
			continue
		}
		segments = append(segments, &seg)
	}
	return segments, nil
}
