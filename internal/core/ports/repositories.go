package ports

import (
	"context"

	"huddle/internal/core/domain"
)

type TranscriptRepository interface {
	// Upsert stores seg keyed by its id and reports whether it was new.
	// Re-sending an existing id leaves the stored order untouched.
	Upsert(ctx context.Context, seg *domain.Segment) (created bool, err error)
	Get(ctx context.Context, roomID domain.RoomID, segmentID string) (*domain.Segment, error)
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Segment, error)
}

// MeetingDirectory is the read side of the identity and meeting store.
type MeetingDirectory interface {
	Meeting(ctx context.Context, roomID domain.RoomID) (*domain.MeetingMetadata, error)
	Identity(ctx context.Context, userID domain.ParticipantID) (*domain.Identity, error)
	SetStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error
}

// MeetingRegistry is the relay's writable view of the directory.
type MeetingRegistry interface {
	MeetingDirectory
	PutMeeting(ctx context.Context, meeting *domain.MeetingMetadata) error
	PutIdentity(ctx context.Context, identity *domain.Identity) error
}

// Locker serializes work on a key; the redis implementation does so across
// relay instances. release is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// TranscriptArchive keeps finished meetings' transcripts as JSON documents.
type TranscriptArchive interface {
	Put(ctx context.Context, name string, v any) error
	Get(ctx context.Context, name string, v any) error
	List(ctx context.Context, prefix string) ([]string, error)
}
