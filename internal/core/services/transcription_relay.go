package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/audio"
	"huddle/pkg/cache"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/ids"
	"huddle/pkg/logger"
	"huddle/pkg/optimize"
	"huddle/pkg/retry"

	"go.uber.org/zap"
)

type TranscriptionConfig struct {
	RoomID    domain.RoomID
	LocalID   domain.ParticipantID
	SessionID domain.SessionID

	TargetSampleRate int
	FrameSize        int
	PublishAttempts  int
	PublishBaseDelay time.Duration
}

// TranscriptObserver receives transcription pipeline outcomes, e.g. for metrics.
type TranscriptObserver interface {
	AudioSent(bytes int)
	SegmentPublished(err error)
}

// TranscriptionRelay streams the local microphone to a speech-to-text service
// and publishes each finalized turn as a transcript segment. Segments reach
// the visible transcript only through HandleRebroadcast, so the speaker sees
// the same order as everyone else.
type TranscriptionRelay struct {
	cfg       TranscriptionConfig
	source    ports.AudioSource
	stt       ports.SpeechToText
	tokens    ports.SpeechTokenProvider
	publisher ports.TranscriptPublisher
	store     *RoomStore
	observer  TranscriptObserver
	logger    *zap.SugaredLogger

	generated *cache.Cache[struct{}]

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stream   ports.SpeechStream
	stopping atomic.Bool
	wg       sync.WaitGroup
}

func NewTranscriptionRelay(
	cfg TranscriptionConfig,
	source ports.AudioSource,
	stt ports.SpeechToText,
	tokens ports.SpeechTokenProvider,
	publisher ports.TranscriptPublisher,
	store *RoomStore,
	observer TranscriptObserver,
	log *zap.SugaredLogger,
) *TranscriptionRelay {
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = 16000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 4096
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.PublishBaseDelay <= 0 {
		cfg.PublishBaseDelay = 250 * time.Millisecond
	}
	return &TranscriptionRelay{
		cfg:       cfg,
		source:    source,
		stt:       stt,
		tokens:    tokens,
		publisher: publisher,
		store:     store,
		observer:  observer,
		logger:    logger.OrNop(log).With("room_id", cfg.RoomID, "session_id", cfg.SessionID),
		generated: cache.New[struct{}](time.Hour),
	}
}

// Start opens a streaming session and begins sending microphone audio.
// Starting a running relay is a no-op.
func (r *TranscriptionRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	token, err := r.tokens.SpeechToken(ctx)
	if err != nil {
		return apperrors.NewStreamingError(err, "speech token request failed")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := r.source.Start(runCtx)
	if err != nil {
		cancel()
		return apperrors.NewMediaDeviceError(err, string(domain.MediaAudio))
	}

	stream, err := r.stt.Open(ctx, token, r.cfg.TargetSampleRate)
	if err != nil {
		cancel()
		_ = r.source.Close()
		return apperrors.NewStreamingError(err, "speech stream open failed")
	}

	r.running = true
	r.stopping.Store(false)
	r.cancel = cancel
	r.stream = stream

	r.wg.Add(2)
	go r.pump(runCtx, frames, stream)
	go r.receive(runCtx, stream)

	r.logger.Infow("transcription started", "sample_rate", r.cfg.TargetSampleRate)
	return nil
}

// Running reports whether a streaming session is open.
func (r *TranscriptionRelay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop releases the audio source and closes the streaming session. Send
// errors caused by the close are swallowed.
func (r *TranscriptionRelay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopping.Store(true)
	cancel, stream := r.cancel, r.stream
	r.cancel, r.stream = nil, nil
	r.mu.Unlock()

	cancel()
	srcErr := r.source.Close()
	streamErr := stream.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Infow("transcription stopped")
	if err := errors.Join(srcErr, streamErr); err != nil {
		r.logger.Debugw("transcription teardown", "error", err)
	}
	return nil
}

// Close stops the relay and its bookkeeping for good.
func (r *TranscriptionRelay) Close(ctx context.Context) error {
	err := r.Stop(ctx)
	r.generated.Stop()
	return err
}

// HandleRebroadcast adds a segment fanned out by the relay server to the
// visible transcript. Segments this client generated are flagged local.
func (r *TranscriptionRelay) HandleRebroadcast(seg domain.Segment) bool {
	_, local := r.generated.Get(seg.ID)
	return r.store.AppendSegment(seg, local)
}

// IsGenerated reports whether this client produced the segment id.
func (r *TranscriptionRelay) IsGenerated(id string) bool {
	_, ok := r.generated.Get(id)
	return ok
}

func (r *TranscriptionRelay) pump(ctx context.Context, frames <-chan domain.AudioFrame, stream ports.SpeechStream) {
	defer r.wg.Done()

	var (
		resampler *audio.Resampler
		framer    = audio.NewFramer(r.cfg.FrameSize)
		pcmPool   = optimize.NewBytePool(r.cfg.FrameSize * 2)
	)

	send := func(chunk []float32) bool {
		out := resampler.Process(chunk)
		if len(out) == 0 {
			return true
		}
		buf := pcmPool.Get(len(out) * 2)
		pcm := audio.EncodePCM16(buf, out)
		err := stream.SendAudio(pcm)
		sent := len(pcm)
		pcmPool.Put(buf)
		if err != nil {
			if r.stopping.Load() || errors.Is(err, domain.ErrStreamClosed) {
				return false
			}
			r.logger.Warnw("sending audio failed, closing stream", "error", err)
			_ = stream.Close()
			return false
		}
		if r.observer != nil {
			r.observer.AudioSent(sent)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame.SampleRate <= 0 || len(frame.Samples) == 0 {
				continue
			}
			if resampler == nil || resampler.InRate() != frame.SampleRate {
				if resampler != nil {
					if rest := framer.Flush(); len(rest) > 0 && !send(rest) {
						return
					}
				}
				resampler = audio.NewResampler(frame.SampleRate, r.cfg.TargetSampleRate)
			}
			for _, chunk := range framer.Push(frame.Samples) {
				if !send(chunk) {
					return
				}
			}
		}
	}
}

func (r *TranscriptionRelay) receive(ctx context.Context, stream ports.SpeechStream) {
	defer r.wg.Done()

	for turn := range stream.Turns() {
		if turn.Text == "" {
			continue
		}
		seg := domain.Segment{
			ID:               ids.NewSegmentID(),
			RoomID:           r.cfg.RoomID,
			Text:             turn.Text,
			SpeakerID:        r.cfg.LocalID,
			SpeakerSessionID: r.cfg.SessionID,
			StartTimeMs:      turn.StartMs,
			EndTimeMs:        turn.EndMs,
			Confidence:       turn.Confidence,
			CreatedAt:        time.Now().UTC(),
		}
		r.generated.Add(seg.ID, struct{}{})
		r.publish(ctx, seg)
	}

	if err := stream.Err(); err != nil && !r.stopping.Load() {
		r.logger.Errorw("speech stream ended with error", "error", apperrors.NewStreamingError(err, "speech stream failed"))
	}
}

func (r *TranscriptionRelay) publish(ctx context.Context, seg domain.Segment) {
	cfg := retry.LinearConfig(r.cfg.PublishAttempts, r.cfg.PublishBaseDelay)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warnw("segment publish failed, retrying", "segment_id", seg.ID, "attempt", attempt, "error", err)
	}
	err := retry.Retry(ctx, cfg, func() error { return r.publisher.PublishSegment(ctx, seg) })
	if r.observer != nil {
		r.observer.SegmentPublished(err)
	}
	if err != nil && ctx.Err() == nil {
		r.logger.Errorw("segment not published", "segment_id", seg.ID, "error", err)
		return
	}
	r.logger.Debugw("segment published", "segment_id", seg.ID, "chars", len(seg.Text))
}
