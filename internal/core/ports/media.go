package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// LocalTrack is an acquired local capture track.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	SetMuted(muted bool)
	Muted() bool
}

// MediaDevices hands out local capture tracks, at most one per kind.
type MediaDevices interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (LocalTrack, error)
	Release(kind domain.MediaKind) error
	ReleaseAll() error
	Active() []LocalTrack
}

// PeerConnection is one direct media connection to a remote participant.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error

	SignalingState() domain.SignalingState
	HasRemoteDescription() bool

	// SetLocalTracks makes the sent tracks match tracks, adding and removing
	// senders as needed. A change fires the negotiation-needed callback.
	SetLocalTracks(tracks []LocalTrack) error

	// OnICECandidate receives nil once gathering is complete.
	OnICECandidate(fn func(*domain.ICECandidate))
	OnConnectionStateChange(fn func(domain.ConnectionState))
	OnICEConnectionStateChange(fn func(string))
	OnNegotiationNeeded(fn func())

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, remote domain.ParticipantID) (PeerConnection, error)
}
