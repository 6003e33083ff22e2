package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"

	"go.uber.org/zap"
)

type eventKind int

const (
	evNegotiationNeeded eventKind = iota
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evLocalCandidate
	evConnState
	evICEState
	evReconnectTimeout
	evPresenceLost
	evSyncMedia
)

type peerEvent struct {
	kind       eventKind
	desc       domain.SessionDescription
	iceRestart bool
	forced     bool
	candidate  domain.ICECandidate
	state      domain.ConnectionState
	iceState   string
	gen        int
	tracks     []ports.LocalTrack
}

var errReconnectExhausted = errors.New("reconnection attempts exhausted")

// peerActor is the negotiation state machine for one remote participant.
// All fields below the separator are owned by the run goroutine.
type peerActor struct {
	o       *Orchestrator
	id      domain.ParticipantID
	session domain.SessionID
	polite  bool
	pc      ports.PeerConnection
	logger  *zap.SugaredLogger

	inbox  chan peerEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	shutdownOnce sync.Once
	closePCOnce  sync.Once
	closePCErr   error
	seenAt       atomic.Int64

	// owned by run
	phase            domain.NegotiationPhase
	ignoreOffer      bool
	negotiated       bool
	needsNegotiation bool
	needsRestart     bool
	pending          []domain.ICECandidate
	received         int
	applied          int
	state            domain.ConnectionState
	iceState         string
	attempts         int
	gen              int
	timer            *time.Timer
	lastErr          string
}

func newPeerActor(o *Orchestrator, id domain.ParticipantID, session domain.SessionID, polite bool, pc ports.PeerConnection) *peerActor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &peerActor{
		o:       o,
		id:      id,
		session: session,
		polite:  polite,
		pc:      pc,
		logger:  o.logger.With("peer_id", id, "polite", polite),
		inbox:   make(chan peerEvent, o.cfg.InboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   domain.PhaseStable,
		state:   domain.ConnectionNew,
	}
	p.touch()
	return p
}

// wire forwards connection callbacks into the inbox.
func (p *peerActor) wire() {
	p.pc.OnICECandidate(func(c *domain.ICECandidate) {
		if c == nil {
			return
		}
		p.enqueue(peerEvent{kind: evLocalCandidate, candidate: *c})
	})
	p.pc.OnConnectionStateChange(func(s domain.ConnectionState) {
		p.enqueue(peerEvent{kind: evConnState, state: s})
	})
	p.pc.OnICEConnectionStateChange(func(s string) {
		p.enqueue(peerEvent{kind: evICEState, iceState: s})
	})
	p.pc.OnNegotiationNeeded(func() {
		p.enqueue(peerEvent{kind: evNegotiationNeeded})
	})
}

func (p *peerActor) enqueue(ev peerEvent) {
	select {
	case p.inbox <- ev:
	case <-p.ctx.Done():
	}
}

func (p *peerActor) touch() {
	p.seenAt.Store(time.Now().UnixNano())
}

func (p *peerActor) lastSeen() time.Time {
	return time.Unix(0, p.seenAt.Load())
}

func (p *peerActor) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			p.stopTimer()
			return
		case ev := <-p.inbox:
			p.handle(ev)
			if p.state.Terminal() {
				return
			}
		}
	}
}

// shutdown stops the actor and closes the connection. Safe to call more than once.
func (p *peerActor) shutdown() error {
	p.shutdownOnce.Do(func() {
		p.cancel()
		<-p.done
	})
	return p.closePC()
}

func (p *peerActor) closePC() error {
	p.closePCOnce.Do(func() {
		p.closePCErr = p.pc.Close()
	})
	return p.closePCErr
}

func (p *peerActor) handle(ev peerEvent) {
	switch ev.kind {
	case evNegotiationNeeded:
		p.onNegotiationNeeded(ev.iceRestart, ev.forced)
	case evRemoteOffer:
		p.onRemoteOffer(ev.desc)
	case evRemoteAnswer:
		p.onRemoteAnswer(ev.desc)
	case evRemoteCandidate:
		p.onRemoteCandidate(ev.candidate)
	case evLocalCandidate:
		p.send(domain.MessageICECandidate, domain.CandidatePayload{Candidate: ev.candidate})
	case evConnState:
		p.onConnectionState(ev.state)
	case evICEState:
		p.iceState = ev.iceState
		p.commit()
	case evReconnectTimeout:
		if ev.gen != p.gen || p.state != domain.ConnectionReconnecting {
			return
		}
		p.logger.Warnw("reconnect attempt timed out", "attempt", p.attempts)
		p.state = domain.ConnectionDisconnected
		p.detectDisconnect("reconnect timeout")
	case evPresenceLost:
		if p.state == domain.ConnectionConnected {
			p.logger.Warnw("peer silent on signaling channel")
			p.detectDisconnect("presence timeout")
		}
	case evSyncMedia:
		if err := p.pc.SetLocalTracks(ev.tracks); err != nil {
			p.logger.Warnw("updating local tracks failed", "error", err)
		}
	}
}

func (p *peerActor) onNegotiationNeeded(iceRestart, forced bool) {
	// the polite side never opens the first negotiation
	if p.polite && !p.negotiated && !forced && !iceRestart {
		p.needsNegotiation = true
		return
	}
	if p.phase != domain.PhaseStable || p.pc.SignalingState() != domain.SignalingStable {
		p.needsNegotiation = true
		p.needsRestart = p.needsRestart || iceRestart
		return
	}
	p.makeOffer(iceRestart)
}

func (p *peerActor) makeOffer(iceRestart bool) {
	p.phase = domain.PhaseMakingOffer
	p.commit()

	offer, err := p.pc.CreateOffer(p.ctx, iceRestart)
	if err != nil {
		p.negotiationFailed(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(p.ctx, offer); err != nil {
		p.negotiationFailed(fmt.Errorf("set local offer: %w", err))
		return
	}
	if !p.send(domain.MessageOffer, domain.DescriptionPayload{Description: offer, ICERestart: iceRestart}) {
		return
	}

	p.phase = domain.PhaseAwaitingAnswer
	p.commit()
	p.o.notifyObserver(func(ob NegotiationObserver) { ob.OfferSent(iceRestart) })
	p.logger.Debugw("offer sent", "ice_restart", iceRestart)
}

func (p *peerActor) onRemoteOffer(offer domain.SessionDescription) {
	collision := p.phase == domain.PhaseMakingOffer || p.pc.SignalingState() != domain.SignalingStable

	p.ignoreOffer = !p.polite && collision
	if p.ignoreOffer {
		p.logger.Infow("ignoring colliding offer")
		p.o.notifyObserver(func(ob NegotiationObserver) { ob.OfferCollision(false) })
		p.commit()
		return
	}

	if collision {
		if err := p.pc.Rollback(p.ctx); err != nil {
			p.negotiationFailed(fmt.Errorf("rollback: %w", err))
			return
		}
		// our own change still has to be negotiated once this offer settles
		p.needsNegotiation = true
		p.logger.Infow("rolled back local offer for colliding remote offer")
		p.o.notifyObserver(func(ob NegotiationObserver) { ob.OfferCollision(true) })
	}

	p.phase = domain.PhaseAnswering
	p.commit()

	if err := p.pc.SetRemoteDescription(p.ctx, offer); err != nil {
		p.negotiationFailed(fmt.Errorf("set remote offer: %w", err))
		return
	}
	p.negotiated = true
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(p.ctx)
	if err != nil {
		p.negotiationFailed(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(p.ctx, answer); err != nil {
		p.negotiationFailed(fmt.Errorf("set local answer: %w", err))
		return
	}
	if !p.send(domain.MessageAnswer, domain.DescriptionPayload{Description: answer}) {
		return
	}

	p.phase = domain.PhaseStable
	p.commit()
	p.afterStable()
}

func (p *peerActor) onRemoteAnswer(answer domain.SessionDescription) {
	if p.pc.SignalingState() != domain.SignalingHaveLocalOffer {
		p.logger.Debugw("dropping answer without a pending offer", "signaling_state", p.pc.SignalingState())
		return
	}

	p.phase = domain.PhaseApplyingAnswer
	p.commit()

	if err := p.pc.SetRemoteDescription(p.ctx, answer); err != nil {
		p.negotiationFailed(fmt.Errorf("set remote answer: %w", err))
		return
	}
	p.negotiated = true
	p.ignoreOffer = false
	p.flushCandidates()

	p.phase = domain.PhaseStable
	p.commit()
	p.afterStable()
}

func (p *peerActor) onRemoteCandidate(c domain.ICECandidate) {
	p.received++
	if !p.pc.HasRemoteDescription() {
		p.pending = append(p.pending, c)
		p.commit()
		return
	}
	p.addCandidate(c)
	p.commit()
}

func (p *peerActor) flushCandidates() {
	if len(p.pending) == 0 {
		return
	}
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		p.addCandidate(c)
	}
	p.logger.Debugw("flushed buffered candidates", "count", len(pending))
}

func (p *peerActor) addCandidate(c domain.ICECandidate) {
	p.applied++
	if err := p.pc.AddICECandidate(p.ctx, c); err != nil {
		if p.ignoreOffer {
			return
		}
		p.lastErr = err.Error()
		p.logger.Warnw("adding remote candidate failed", "error", err)
	}
}

func (p *peerActor) afterStable() {
	if !p.needsNegotiation {
		return
	}
	restart := p.needsRestart
	p.needsNegotiation = false
	p.needsRestart = false
	p.makeOffer(restart)
}

func (p *peerActor) onConnectionState(s domain.ConnectionState) {
	switch s {
	case domain.ConnectionConnected:
		wasReconnecting := p.state == domain.ConnectionReconnecting
		p.stopTimer()
		p.attempts = 0
		p.state = domain.ConnectionConnected
		p.commit()
		if p.o.observer != nil && !wasReconnecting {
			p.o.observer.PeerConnected()
		}
		p.logger.Infow("peer connected", "reconnected", wasReconnecting)
	case domain.ConnectionDisconnected, domain.ConnectionFailed:
		p.detectDisconnect("connection " + string(s))
	case domain.ConnectionClosed:
	default:
		if p.state != domain.ConnectionReconnecting {
			p.state = s
			p.commit()
		}
	}
}

// detectDisconnect schedules exactly one ICE-restart attempt per detection.
// A detection while an attempt is outstanding is absorbed by it.
func (p *peerActor) detectDisconnect(reason string) {
	if p.state == domain.ConnectionReconnecting || p.state.Terminal() {
		return
	}
	if p.attempts >= p.o.cfg.ReconnectAttempts {
		p.fail(fmt.Errorf("%w after %d attempts (%s)", errReconnectExhausted, p.attempts, reason))
		return
	}

	p.attempts++
	p.state = domain.ConnectionReconnecting
	p.commit()
	p.logger.Warnw("peer disconnected, restarting ice", "reason", reason, "attempt", p.attempts)

	p.stopTimer()
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.o.cfg.ReconnectTimeout, func() {
		p.enqueue(peerEvent{kind: evReconnectTimeout, gen: gen})
	})

	if p.pc.SignalingState() == domain.SignalingHaveLocalOffer {
		// a stale offer will never be answered; restart from stable
		if err := p.pc.Rollback(p.ctx); err != nil {
			p.logger.Warnw("rollback before ice restart failed", "error", err)
		}
		p.phase = domain.PhaseStable
	}
	p.onNegotiationNeeded(true, true)
}

// negotiationFailed handles a local negotiation error. It is recovered
// through the reconnection budget rather than failing the peer outright.
func (p *peerActor) negotiationFailed(err error) {
	if isCancellation(err) || p.ctx.Err() != nil {
		return
	}
	p.lastErr = err.Error()
	p.logger.Warnw("negotiation step failed", "error", err)
	if p.pc.SignalingState() == domain.SignalingHaveLocalOffer {
		_ = p.pc.Rollback(p.ctx)
	}
	p.phase = domain.PhaseStable
	p.commit()
	p.detectDisconnect("negotiation error")
}

// send delivers a negotiation message and fails the peer when the retry
// budget is exhausted. It reports whether the message was delivered.
func (p *peerActor) send(t domain.MessageType, payload any) bool {
	err := p.o.signaler.SendWithRetry(p.ctx, t, p.id, payload)
	if err == nil {
		return true
	}
	if isCancellation(err) || p.ctx.Err() != nil {
		return false
	}
	p.fail(err)
	return false
}

// fail moves the peer to its terminal failed state, removes its media and
// reports the error. Other peers are unaffected.
func (p *peerActor) fail(err error) {
	p.stopTimer()
	p.state = domain.ConnectionFailed
	p.lastErr = err.Error()
	p.commit()

	if cerr := p.closePC(); cerr != nil {
		p.logger.Warnw("closing failed peer connection", "error", cerr)
	}
	p.o.forget(p)
	p.o.store.RemoveParticipant(p.id)
	p.o.report(apperrors.NewNegotiationError(err, string(p.id)))
	p.o.notifyObserver(func(ob NegotiationObserver) { ob.PeerFailed() })
	p.logger.Errorw("peer failed", "error", err)
	p.cancel()
}

func (p *peerActor) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// commit publishes the actor's state to the store.
func (p *peerActor) commit() {
	err := p.o.store.UpdatePeerConnection(p.id, func(st *domain.PeerConnectionState) {
		st.RemoteSessionID = p.session
		st.Polite = p.polite
		st.State = p.state
		st.ICEState = p.iceState
		st.SignalingState = p.pc.SignalingState()
		st.Phase = p.phase
		st.IgnoreOffer = p.ignoreOffer
		st.PendingCandidates = len(p.pending)
		st.ReceivedCandidates = p.received
		st.AppliedCandidates = p.applied
		st.ReconnectAttempts = p.attempts
		st.LastError = p.lastErr
	})
	if err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		p.logger.Warnw("peer state commit failed", "error", err)
	}
}
