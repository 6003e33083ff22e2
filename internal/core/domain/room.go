package domain

import "time"

type RoomID string

type RoomStatus string

const (
	RoomConnecting RoomStatus = "connecting"
	RoomActive     RoomStatus = "active"
	RoomEnded      RoomStatus = "ended"
)

// MeetingMetadata is what the directory knows about a room before anyone joins.
type MeetingMetadata struct {
	RoomID      RoomID
	Title       string
	HostID      ParticipantID
	ScheduledAt time.Time
	Status      RoomStatus
	Capacity    int // 0 = unlimited
}

type Room struct {
	ID               RoomID
	Title            string
	HostID           ParticipantID
	Status           RoomStatus
	Capacity         int
	ParticipantCount int
	ScheduledAt      time.Time
	CreatedAt        time.Time
	EndedAt          time.Time
}

// IsFull reports whether one more participant would exceed the capacity.
func (r Room) IsFull() bool {
	return r.Capacity > 0 && r.ParticipantCount >= r.Capacity
}
