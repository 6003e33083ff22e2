package memory

import (
	"context"
	"sync"

	"huddle/internal/core/domain"
)

// MemoryMeetingDirectory holds meeting metadata and identities in process.
type MemoryMeetingDirectory struct {
	meetings   map[domain.RoomID]*domain.MeetingMetadata
	identities map[domain.ParticipantID]*domain.Identity
	mu         sync.RWMutex
}

func NewMemoryMeetingDirectory() *MemoryMeetingDirectory {
	return &MemoryMeetingDirectory{
		meetings:   make(map[domain.RoomID]*domain.MeetingMetadata),
		identities: make(map[domain.ParticipantID]*domain.Identity),
	}
}

func (d *MemoryMeetingDirectory) PutMeeting(ctx context.Context, meeting *domain.MeetingMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := *meeting
	d.meetings[meeting.RoomID] = &m
	return nil
}

func (d *MemoryMeetingDirectory) PutIdentity(ctx context.Context, identity *domain.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := *identity
	d.identities[identity.UserID] = &id
	return nil
}

func (d *MemoryMeetingDirectory) Meeting(ctx context.Context, roomID domain.RoomID) (*domain.MeetingMetadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.meetings[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	out := *m
	return &out, nil
}

func (d *MemoryMeetingDirectory) Identity(ctx context.Context, userID domain.ParticipantID) (*domain.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.identities[userID]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	out := *id
	return &out, nil
}

func (d *MemoryMeetingDirectory) SetStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.meetings[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	m.Status = status
	return nil
}
