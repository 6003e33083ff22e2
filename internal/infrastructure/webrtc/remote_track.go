package webrtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const pliInterval = 3 * time.Second

// handleRemoteTrack drains a remote participant's track. Video tracks get a
// periodic picture loss indication so a keyframe follows every renegotiation.
func (p *peerConnection) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)
	if p.observer != nil {
		p.observer.RemoteTrackStarted(p.remote, kind)
	}

	done := make(chan struct{})
	defer close(done)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(track.SSRC()), done)
	}
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	received := 0
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			p.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		received += len(pkt.Payload)
		// report in batches to keep observer calls off the packet path
		if received >= 64*1024 && p.observer != nil {
			p.observer.RemoteMediaReceived(p.remote, kind, received)
			received = 0
		}
	}
}

func (p *peerConnection) requestKeyframes(ssrc uint32, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}
