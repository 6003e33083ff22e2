package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// AudioSource produces mono frames from a capture device.
type AudioSource interface {
	Start(ctx context.Context) (<-chan domain.AudioFrame, error)
	Close() error
}

// SpeechToText opens streaming recognition sessions.
type SpeechToText interface {
	Open(ctx context.Context, token string, sampleRate int) (SpeechStream, error)
}

// SpeechStream is one open recognition session. Turns is closed when the
// session ends; Err then reports why, or nil on a clean close.
type SpeechStream interface {
	// SendAudio must not retain pcm after returning.
	SendAudio(pcm []byte) error
	Turns() <-chan domain.Turn
	Err() error
	Close() error
}

// SpeechTokenProvider issues short-lived speech-to-text tokens.
type SpeechTokenProvider interface {
	SpeechToken(ctx context.Context) (string, error)
}

// TranscriptPublisher persists a finalized segment and has it rebroadcast to
// the whole room. Publishing the same segment id twice is a no-op.
type TranscriptPublisher interface {
	PublishSegment(ctx context.Context, seg domain.Segment) error
}
