package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageUserJoined        MessageType = "user-joined"
	MessageUserLeft          MessageType = "user-left"
	MessageUserProfile       MessageType = "user-profile"
	MessageOffer             MessageType = "offer"
	MessageAnswer            MessageType = "answer"
	MessageICECandidate      MessageType = "ice-candidate"
	MessageMediaStateChange  MessageType = "media-state-change"
	MessageMeetingEnded      MessageType = "meeting-ended"
	MessagePresencePing      MessageType = "presence-ping"
	MessagePresencePong      MessageType = "presence-pong"
	MessageTranscriptSegment MessageType = "transcript-segment"

	// Relay control frames, never dispatched to handlers.
	MessageSubscribed MessageType = "subscribed"
	MessageError      MessageType = "error"
)

// RelayParticipantID is the sender of messages synthesized by the relay itself.
const RelayParticipantID ParticipantID = "relay"

var knownTypes = map[MessageType]bool{
	MessageUserJoined: true, MessageUserLeft: true, MessageUserProfile: true,
	MessageOffer: true, MessageAnswer: true, MessageICECandidate: true,
	MessageMediaStateChange: true, MessageMeetingEnded: true,
	MessagePresencePing: true, MessagePresencePong: true,
	MessageTranscriptSegment: true,
}

// IsProtocol reports whether t is a room event rather than a relay control frame.
func (t MessageType) IsProtocol() bool {
	return knownTypes[t]
}

// Message is the envelope relayed on a room channel.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	RoomID    RoomID          `json:"roomId"`
	From      ParticipantID   `json:"from"`
	To        ParticipantID   `json:"to,omitempty"`
	SessionID SessionID       `json:"sessionId"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope with payload encoded into Data.
func NewMessage(id string, t MessageType, room RoomID, from ParticipantID, session SessionID, payload any) (*Message, error) {
	m := &Message{
		ID:        id,
		Type:      t,
		RoomID:    room,
		From:      from,
		SessionID: session,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		m.Data = data
	}
	return m, nil
}

// Decode unmarshals Data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// ParseMessage decodes and checks a raw envelope.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &m, nil
}

// ProfilePayload travels with user-joined and user-profile.
type ProfilePayload struct {
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Role        Role       `json:"role"`
	Media       MediaState `json:"media"`
	JoinedAt    int64      `json:"joinedAt"`
}

type UserLeftPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DescriptionPayload carries an offer or an answer.
type DescriptionPayload struct {
	Description SessionDescription `json:"description"`
	ICERestart  bool               `json:"iceRestart,omitempty"`
}

type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}

type MediaStatePayload struct {
	Media MediaState `json:"media"`
}

type MeetingEndedPayload struct {
	EndedBy ParticipantID `json:"endedBy"`
	Reason  string        `json:"reason,omitempty"`
}

type PresencePayload struct {
	Seq uint64 `json:"seq"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
