package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/ids"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// LocalMediaTrack is a capture track fed by WriteSample. Samples written
// while muted are dropped.
type LocalMediaTrack struct {
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample
	muted atomic.Bool
}

func (t *LocalMediaTrack) ID() string             { return t.local.ID() }
func (t *LocalMediaTrack) Kind() domain.MediaKind { return t.kind }
func (t *LocalMediaTrack) SetMuted(muted bool)    { t.muted.Store(muted) }
func (t *LocalMediaTrack) Muted() bool            { return t.muted.Load() }

func (t *LocalMediaTrack) WriteSample(s media.Sample) error {
	if t.muted.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// LocalMedia hands out one sample track per media kind.
type LocalMedia struct {
	streamID string

	mu     sync.Mutex
	tracks map[domain.MediaKind]*LocalMediaTrack
}

func NewLocalMedia(participantID domain.ParticipantID) *LocalMedia {
	return &LocalMedia{
		streamID: string(participantID),
		tracks:   make(map[domain.MediaKind]*LocalMediaTrack),
	}
}

func codecFor(kind domain.MediaKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case domain.MediaAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case domain.MediaVideo, domain.MediaScreen:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: unknown media kind %q", domain.ErrMediaDevice, kind)
	}
}

func (m *LocalMedia) Acquire(ctx context.Context, kind domain.MediaKind) (ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tracks[kind]; ok {
		return t, nil
	}
	codec, err := codecFor(kind)
	if err != nil {
		return nil, err
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+ids.NewMessageID()[:8], m.streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaDevice, err)
	}
	t := &LocalMediaTrack{kind: kind, local: local}
	m.tracks[kind] = t
	return t, nil
}

func (m *LocalMedia) Release(kind domain.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, kind)
	return nil
}

func (m *LocalMedia) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = make(map[domain.MediaKind]*LocalMediaTrack)
	return nil
}

// Active returns the acquired tracks in a stable kind order.
func (m *LocalMedia) Active() []ports.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ports.LocalTrack, 0, len(m.tracks))
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo, domain.MediaScreen} {
		if t, ok := m.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the acquired track of kind, if any.
func (m *LocalMedia) Track(kind domain.MediaKind) (*LocalMediaTrack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	return t, ok
}

var _ ports.MediaDevices = (*LocalMedia)(nil)
