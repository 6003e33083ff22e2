package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NegotiationSignaler delivers negotiation-critical messages to one peer.
type NegotiationSignaler interface {
	SendWithRetry(ctx context.Context, t domain.MessageType, to domain.ParticipantID, payload any) error
}

// NegotiationObserver receives negotiation outcomes, e.g. for metrics.
type NegotiationObserver interface {
	OfferSent(iceRestart bool)
	OfferCollision(polite bool)
	PeerConnected()
	PeerFailed()
}

type OrchestratorConfig struct {
	LocalID   domain.ParticipantID
	SessionID domain.SessionID

	ReconnectAttempts int
	ReconnectTimeout  time.Duration
	// PresenceTimeout is how long a connected peer may stay silent on the
	// signaling channel before it is treated as disconnected. 0 disables it.
	PresenceTimeout time.Duration
	InboxSize       int
}

// Orchestrator owns one perfect-negotiation state machine per remote
// participant. Each peer is driven by its own goroutine, so negotiation
// messages for one peer are handled strictly in order while peers progress
// independently.
type Orchestrator struct {
	cfg       OrchestratorConfig
	factory   ports.PeerConnectionFactory
	signaler  NegotiationSignaler
	store     *RoomStore
	observer  NegotiationObserver
	logger    *zap.SugaredLogger
	errs      chan error
	stopWatch context.CancelFunc

	mu          sync.Mutex
	peers       map[domain.ParticipantID]*peerActor
	localTracks []ports.LocalTrack
	closed      bool
	wg          sync.WaitGroup
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	factory ports.PeerConnectionFactory,
	signaler NegotiationSignaler,
	store *RoomStore,
	observer NegotiationObserver,
	log *zap.SugaredLogger,
) *Orchestrator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 128
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		factory:  factory,
		signaler: signaler,
		store:    store,
		observer: observer,
		logger:   logger.OrNop(log).With("participant_id", cfg.LocalID),
		errs:     make(chan error, 32),
		peers:    make(map[domain.ParticipantID]*peerActor),
	}
}

// Start runs the presence watchdog until ctx is done or CloseAll is called.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cfg.PresenceTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stopWatch = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchPresence(ctx)
	}()
}

// Errors reports per-peer failures. Reports are dropped when nobody reads.
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

func (o *Orchestrator) report(err error) {
	select {
	case o.errs <- err:
	default:
		o.logger.Warnw("negotiation error dropped, reader too slow", "error", err)
	}
}

// AddPeer starts negotiating with a newly learned remote participant, which
// must already be present in the store. Adding a known peer is a no-op. The
// impolite side sends the first offer; the polite side waits for it.
func (o *Orchestrator) AddPeer(ctx context.Context, remote domain.ParticipantID, remoteSession domain.SessionID) error {
	p, created, err := o.ensurePeer(ctx, remote, remoteSession)
	if err != nil {
		return err
	}
	if created && !p.polite {
		p.enqueue(peerEvent{kind: evNegotiationNeeded})
	}
	return nil
}

func (o *Orchestrator) ensurePeer(ctx context.Context, remote domain.ParticipantID, remoteSession domain.SessionID) (*peerActor, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, false, domain.ErrNotJoined
	}
	if p, ok := o.peers[remote]; ok {
		return p, false, nil
	}
	if _, ok := o.store.Participant(remote); !ok {
		// an offer can overtake the announcement of its sender
		if _, err := o.store.AddParticipant(domain.Participant{ID: remote, SessionID: remoteSession}); err != nil {
			return nil, false, err
		}
	}

	pc, err := o.factory.NewPeerConnection(ctx, remote)
	if err != nil {
		return nil, false, apperrors.NewNegotiationError(err, string(remote))
	}

	polite := domain.IsPolite(o.cfg.LocalID, remote)
	if err := o.store.CreatePeerConnection(domain.PeerConnectionState{
		RemoteID:        remote,
		RemoteSessionID: remoteSession,
		Polite:          polite,
		State:           domain.ConnectionNew,
	}); err != nil {
		_ = pc.Close()
		return nil, false, err
	}

	p := newPeerActor(o, remote, remoteSession, polite, pc)
	o.peers[remote] = p
	p.wire()

	if len(o.localTracks) > 0 {
		if err := pc.SetLocalTracks(o.localTracks); err != nil {
			o.logger.Warnw("attaching local tracks failed", "peer_id", remote, "error", err)
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		p.run()
	}()

	o.logger.Infow("peer added", "peer_id", remote, "polite", polite)
	return p, true, nil
}

// RemovePeer tears down the connection to a participant that left. Pending
// retries for that peer are cancelled.
func (o *Orchestrator) RemovePeer(remote domain.ParticipantID) error {
	o.mu.Lock()
	p, ok := o.peers[remote]
	if ok {
		delete(o.peers, remote)
	}
	o.mu.Unlock()

	if !ok {
		return nil
	}
	err := p.shutdown()
	o.store.ClosePeerConnection(remote)
	o.logger.Infow("peer removed", "peer_id", remote)
	return err
}

// HandleMessage routes one inbound signaling message. Every message counts as
// liveness for its sender.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *domain.Message) {
	o.mu.Lock()
	p, ok := o.peers[msg.From]
	o.mu.Unlock()
	if ok {
		p.touch()
	}

	switch msg.Type {
	case domain.MessageOffer:
		var payload domain.DescriptionPayload
		if err := msg.Decode(&payload); err != nil {
			o.logger.Warnw("bad offer", "from", msg.From, "error", err)
			return
		}
		if !ok {
			var err error
			if p, _, err = o.ensurePeer(ctx, msg.From, msg.SessionID); err != nil {
				o.logger.Warnw("cannot accept offer", "from", msg.From, "error", err)
				return
			}
		}
		p.enqueue(peerEvent{kind: evRemoteOffer, desc: payload.Description, iceRestart: payload.ICERestart})

	case domain.MessageAnswer:
		var payload domain.DescriptionPayload
		if err := msg.Decode(&payload); err != nil {
			o.logger.Warnw("bad answer", "from", msg.From, "error", err)
			return
		}
		if ok {
			p.enqueue(peerEvent{kind: evRemoteAnswer, desc: payload.Description})
		}

	case domain.MessageICECandidate:
		var payload domain.CandidatePayload
		if err := msg.Decode(&payload); err != nil {
			o.logger.Warnw("bad candidate", "from", msg.From, "error", err)
			return
		}
		if ok {
			p.enqueue(peerEvent{kind: evRemoteCandidate, candidate: payload.Candidate})
		}
	}
}

// RequestNegotiation asks a peer to renegotiate, with an ICE restart if asked.
func (o *Orchestrator) RequestNegotiation(remote domain.ParticipantID, iceRestart bool) error {
	o.mu.Lock()
	p, ok := o.peers[remote]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("negotiate with %s: %w", remote, domain.ErrPeerNotFound)
	}
	p.enqueue(peerEvent{kind: evNegotiationNeeded, iceRestart: iceRestart, forced: true})
	return nil
}

// SyncLocalMedia makes every peer send exactly the given local tracks.
func (o *Orchestrator) SyncLocalMedia(tracks []ports.LocalTrack) {
	o.mu.Lock()
	o.localTracks = append([]ports.LocalTrack(nil), tracks...)
	peers := make([]*peerActor, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	for _, p := range peers {
		p.enqueue(peerEvent{kind: evSyncMedia, tracks: tracks})
	}
}

// PeerCount returns the number of live peer connections.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

// CloseAll closes every peer connection concurrently and waits for all peer
// goroutines to exit. The orchestrator cannot be reused afterwards.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	peers := o.peers
	o.peers = make(map[domain.ParticipantID]*peerActor)
	stop := o.stopWatch
	o.mu.Unlock()

	if stop != nil {
		stop()
	}

	g, _ := errgroup.WithContext(ctx)
	for id, p := range peers {
		id, p := id, p
		g.Go(func() error {
			err := p.shutdown()
			o.store.ClosePeerConnection(id)
			if err != nil {
				return fmt.Errorf("close peer %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	o.wg.Wait()
	return err
}

// forget drops a peer that reached a terminal state on its own.
func (o *Orchestrator) forget(p *peerActor) {
	o.mu.Lock()
	if cur, ok := o.peers[p.id]; ok && cur == p {
		delete(o.peers, p.id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) watchPresence(ctx context.Context) {
	interval := o.cfg.PresenceTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.mu.Lock()
			peers := make([]*peerActor, 0, len(o.peers))
			for _, p := range o.peers {
				peers = append(peers, p)
			}
			o.mu.Unlock()

			for _, p := range peers {
				if now.Sub(p.lastSeen()) > o.cfg.PresenceTimeout {
					p.enqueue(peerEvent{kind: evPresenceLost})
				}
			}
		}
	}
}

func (o *Orchestrator) notifyObserver(fn func(NegotiationObserver)) {
	if o.observer != nil {
		fn(o.observer)
	}
}

// isCancellation reports errors caused by teardown rather than the peer.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
