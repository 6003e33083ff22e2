package webrtc

import (
	"context"
	"fmt"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/config"
	"huddle/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	return c
}

// RemoteMediaObserver is told about media arriving from remote participants.
type RemoteMediaObserver interface {
	RemoteTrackStarted(remote domain.ParticipantID, kind string)
	RemoteMediaReceived(remote domain.ParticipantID, kind string, bytes int)
}

// PeerFactory creates pion peer connections sharing one API instance.
type PeerFactory struct {
	config   Config
	api      *webrtc.API
	observer RemoteMediaObserver
	logger   *zap.SugaredLogger
}

func NewPeerFactory(cfg Config, observer RemoteMediaObserver, log *zap.SugaredLogger) (*PeerFactory, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid UDP port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	return &PeerFactory{
		config:   cfg,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine), webrtc.WithMediaEngine(mediaEngine)),
		observer: observer,
		logger:   logger.OrNop(log),
	}, nil
}

func (f *PeerFactory) NewPeerConnection(ctx context.Context, remote domain.ParticipantID) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := newPeerConnection(pc, remote, f.observer, f.logger.With("remote_id", remote))
	pc.OnTrack(p.handleRemoteTrack)
	return p, nil
}

var _ ports.PeerConnectionFactory = (*PeerFactory)(nil)
