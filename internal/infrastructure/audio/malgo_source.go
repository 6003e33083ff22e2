package audio

import (
	"context"
	"fmt"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/audio"
	"huddle/pkg/logger"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoSource captures the default microphone as mono float frames.
type MalgoSource struct {
	sampleRate int
	channels   int
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan domain.AudioFrame
}

func NewMalgoSource(sampleRate, channels int, log *zap.SugaredLogger) *MalgoSource {
	if channels <= 0 {
		channels = 1
	}
	return &MalgoSource{
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.OrNop(log),
	}
}

func (s *MalgoSource) Start(ctx context.Context) (<-chan domain.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil, fmt.Errorf("%w: capture already running", domain.ErrMediaDevice)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debugw("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", domain.ErrMediaDevice, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.channels)
	cfg.SampleRate = uint32(s.sampleRate)

	frames := make(chan domain.AudioFrame, 32)
	channels, rate := s.channels, s.sampleRate
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples := audio.Downmix(audio.PCM16ToFloat(input), channels)
			select {
			case frames <- domain.AudioFrame{Samples: samples, SampleRate: rate}:
			default:
				// consumer behind; drop rather than stall the audio thread
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init capture device: %v", domain.ErrMediaDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: start capture device: %v", domain.ErrMediaDevice, err)
	}

	s.ctx, s.device, s.frames = mctx, device, frames
	s.logger.Infow("microphone capture started", "sample_rate", rate, "channels", channels)
	return frames, nil
}

func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	s.device.Uninit()
	close(s.frames)
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx, s.device, s.frames = nil, nil, nil
	return err
}

var _ ports.AudioSource = (*MalgoSource)(nil)
