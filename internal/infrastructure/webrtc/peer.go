package webrtc

import (
	"context"
	"fmt"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// peerConnection adapts a pion PeerConnection to the orchestrator's view of
// one remote participant.
type peerConnection struct {
	pc       *webrtc.PeerConnection
	remote   domain.ParticipantID
	observer RemoteMediaObserver
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender // by local track id

	// held is a local offer not yet applied to pion. pion v3 cannot roll
	// back have-local-offer, so the offer stays here until its answer
	// arrives and discarding it is the rollback.
	heldMu sync.Mutex
	held   *webrtc.SessionDescription
}

func newPeerConnection(pc *webrtc.PeerConnection, remote domain.ParticipantID, observer RemoteMediaObserver, log *zap.SugaredLogger) *peerConnection {
	return &peerConnection{
		pc:       pc,
		remote:   remote,
		observer: observer,
		logger:   log,
		senders:  make(map[string]*webrtc.RTPSender),
	}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func (p *peerConnection) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	_, span := tracing.TraceNegotiation(ctx, "create_offer", string(p.remote))
	err := p.ensureMediaSections()
	var offer webrtc.SessionDescription
	if err == nil {
		offer, err = p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	}
	tracing.End(span, err)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	_, span := tracing.TraceNegotiation(ctx, "create_answer", string(p.remote))
	answer, err := p.pc.CreateAnswer(nil)
	tracing.End(span, err)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

// ensureMediaSections gives a first offer with no local tracks an audio and
// a video section. An offer without media sections carries no ICE
// credentials and the answerer rejects it. The sections are sendrecv with a
// silent placeholder track: pion keeps raising negotiation-needed on an
// answerer whose transceivers were created from recvonly sections.
func (p *peerConnection) ensureMediaSections() error {
	if p.pc.CurrentRemoteDescription() != nil || len(p.pc.GetTransceivers()) > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		t, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		go drainRTCP(t.Sender())
	}
	return nil
}

func (p *peerConnection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if desc.Type != domain.SDPOffer {
		return p.pc.SetLocalDescription(toPion(desc))
	}
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		return fmt.Errorf("set local offer in signaling state %s", p.pc.SignalingState())
	}
	offer := toPion(desc)
	p.heldMu.Lock()
	p.held = &offer
	p.heldMu.Unlock()
	return nil
}

func (p *peerConnection) takeHeld() *webrtc.SessionDescription {
	p.heldMu.Lock()
	defer p.heldMu.Unlock()
	held := p.held
	p.held = nil
	return held
}

func (p *peerConnection) holding() bool {
	p.heldMu.Lock()
	defer p.heldMu.Unlock()
	return p.held != nil
}

func (p *peerConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	_, span := tracing.TraceNegotiation(ctx, "set_remote_"+string(desc.Type), string(p.remote))
	err := p.setRemote(desc)
	tracing.End(span, err)
	return err
}

func (p *peerConnection) setRemote(desc domain.SessionDescription) error {
	held := p.takeHeld()
	if held != nil && desc.Type == domain.SDPAnswer {
		if err := p.pc.SetLocalDescription(*held); err != nil {
			return fmt.Errorf("apply local offer: %w", err)
		}
	}
	return p.pc.SetRemoteDescription(toPion(desc))
}

// Rollback discards the held local offer.
func (p *peerConnection) Rollback(ctx context.Context) error {
	p.takeHeld()
	return nil
}

func (p *peerConnection) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) SignalingState() domain.SignalingState {
	if p.holding() {
		return domain.SignalingHaveLocalOffer
	}
	return domain.SignalingState(p.pc.SignalingState().String())
}

func (p *peerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// SetLocalTracks adds senders for new tracks and removes those whose track
// is gone. pion raises negotiation-needed on any change.
func (p *peerConnection) SetLocalTracks(tracks []ports.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[string]*LocalMediaTrack, len(tracks))
	for _, t := range tracks {
		lt, ok := t.(*LocalMediaTrack)
		if !ok {
			return fmt.Errorf("track %s was not created by this media engine", t.ID())
		}
		want[lt.ID()] = lt
	}

	for id, sender := range p.senders {
		if _, keep := want[id]; keep {
			continue
		}
		if err := p.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track %s: %w", id, err)
		}
		delete(p.senders, id)
	}

	for id, lt := range want {
		if _, have := p.senders[id]; have {
			continue
		}
		sender, err := p.pc.AddTrack(lt.local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.Kind(), err)
		}
		p.senders[id] = sender
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads sender reports so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *peerConnection) OnICECandidate(fn func(*domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(domain.ConnectionState(s.String()))
	})
}

func (p *peerConnection) OnICEConnectionStateChange(fn func(string)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(s.String())
	})
}

// OnNegotiationNeeded is quiet while an offer is held. pion checks again
// once the answer returns it to stable.
func (p *peerConnection) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(func() {
		if p.holding() {
			return
		}
		fn()
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

var _ ports.PeerConnection = (*peerConnection)(nil)
