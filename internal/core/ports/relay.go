package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// RelayChannel is a client subscription to one room channel on the relay.
type RelayChannel interface {
	// Subscribe completes the subscription handshake and returns the stream of
	// raw envelopes. ctx bounds the handshake only; the returned channel is
	// closed when the subscription ends.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// PresenceEntry describes one live connection known to the relay.
type PresenceEntry struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	SessionID     domain.SessionID     `json:"sessionId"`
	ConnectedAt   int64                `json:"connectedAt"`
}

// RoomBroadcaster is the server side of the relay: it delivers messages that
// originate on the server itself and reports who is connected.
type RoomBroadcaster interface {
	Broadcast(ctx context.Context, roomID domain.RoomID, msg *domain.Message) error
	Presence(roomID domain.RoomID) []PresenceEntry
}
