package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

type RedisMeetingDirectory struct {
	client *redis.Client
	prefix string
}

func NewRedisMeetingDirectory(client *redis.Client) *RedisMeetingDirectory {
	return &RedisMeetingDirectory{
		client: client,
		prefix: "huddle:",
	}
}

func (d *RedisMeetingDirectory) meetingKey(roomID domain.RoomID) string {
	return d.prefix + "meeting:" + string(roomID)
}

func (d *RedisMeetingDirectory) identityKey(userID domain.ParticipantID) string {
	return d.prefix + "identity:" + string(userID)
}

func (d *RedisMeetingDirectory) PutMeeting(ctx context.Context, meeting *domain.MeetingMetadata) error {
	return d.put(ctx, d.meetingKey(meeting.RoomID), meeting)
}

func (d *RedisMeetingDirectory) PutIdentity(ctx context.Context, identity *domain.Identity) error {
	return d.put(ctx, d.identityKey(identity.UserID), identity)
}

func (d *RedisMeetingDirectory) Meeting(ctx context.Context, roomID domain.RoomID) (*domain.MeetingMetadata, error) {
	var m domain.MeetingMetadata
	if err := d.get(ctx, d.meetingKey(roomID), &m, domain.ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *RedisMeetingDirectory) Identity(ctx context.Context, userID domain.ParticipantID) (*domain.Identity, error) {
	var id domain.Identity
	if err := d.get(ctx, d.identityKey(userID), &id, domain.ErrParticipantNotFound); err != nil {
		return nil, err
	}
	return &id, nil
}

// SetStatus rewrites the meeting record under WATCH so concurrent status
// changes do not overwrite each other.
func (d *RedisMeetingDirectory) SetStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	key := d.meetingKey(roomID)
	return d.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return err
		}

		var m domain.MeetingMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal meeting: %w", err)
		}
		m.Status = status
		updated, err := json.Marshal(&m)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

func (d *RedisMeetingDirectory) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := d.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

func (d *RedisMeetingDirectory) get(ctx context.Context, key string, v any, notFound error) error {
	data, err := d.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
