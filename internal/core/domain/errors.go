package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrPeerExists          = errors.New("peer connection already exists")
	ErrRoomFull            = errors.New("room is full")
	ErrNotJoined           = errors.New("not joined to a room")
	ErrAlreadyJoined       = errors.New("already joined to a room")
	ErrRoomEnded           = errors.New("room has ended")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDeliveryFailed      = errors.New("signaling delivery failed")
	ErrChannelClosed       = errors.New("relay channel closed")
	ErrStreamClosed        = errors.New("stream closed")
	ErrMediaDevice         = errors.New("media device unavailable")
	ErrInvalidMessage      = errors.New("invalid signaling message")
	ErrSegmentNotFound     = errors.New("transcript segment not found")
)
