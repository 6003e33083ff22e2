package domain

import "time"

// Segment is one finalized piece of transcript.
type Segment struct {
	ID               string        `json:"id"`
	RoomID           RoomID        `json:"roomId"`
	Text             string        `json:"text"`
	SpeakerID        ParticipantID `json:"speakerId"`
	SpeakerSessionID SessionID     `json:"speakerSessionId"`
	StartTimeMs      int64         `json:"startTimeMs"`
	EndTimeMs        int64         `json:"endTimeMs"`
	Confidence       float64       `json:"confidence"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Turn is a finalized utterance reported by the speech-to-text service.
type Turn struct {
	Order      int
	Text       string
	StartMs    int64
	EndMs      int64
	Confidence float64
}

// AudioFrame is a block of mono samples in [-1, 1] captured at SampleRate.
type AudioFrame struct {
	Samples    []float32
	SampleRate int
}
