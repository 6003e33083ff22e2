package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient publish failure")

// memRelay is an in-process relay: every published payload reaches every
// subscribed channel, the publisher included.
type memRelay struct {
	mu   sync.Mutex
	subs map[*memChannel]struct{}
}

func newMemRelay() *memRelay {
	return &memRelay{subs: make(map[*memChannel]struct{})}
}

func (r *memRelay) channel() *memChannel {
	return &memChannel{
		relay:  r,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (r *memRelay) deliver(raw []byte) {
	r.mu.Lock()
	subs := make([]*memChannel, 0, len(r.subs))
	for c := range r.subs {
		subs = append(subs, c)
	}
	r.mu.Unlock()
	for _, c := range subs {
		c.push(raw)
	}
}

// inject delivers a raw payload as if another client had published it.
func (r *memRelay) inject(t *testing.T, msg *domain.Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	r.deliver(raw)
}

type memChannel struct {
	relay *memRelay

	mu         sync.Mutex
	queue      [][]byte
	published  [][]byte
	subscribed bool
	closed     bool

	// failNext makes the next n publishes fail without delivering.
	failNext int
	// ackLost makes the next n publishes deliver but still report failure.
	ackLost int
	// failAll makes every publish fail.
	failAll bool
	// blockSubscribe makes Subscribe wait for its context.
	blockSubscribe bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	block := c.blockSubscribe
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	c.subscribed = true
	c.mu.Unlock()

	c.relay.mu.Lock()
	c.relay.subs[c] = struct{}{}
	c.relay.mu.Unlock()

	out := make(chan []byte)
	go c.pump(out)
	return out, nil
}

func (c *memChannel) pump(out chan<- []byte) {
	defer close(out)
	for {
		c.mu.Lock()
		var next []byte
		if len(c.queue) > 0 {
			next = c.queue[0]
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()

		if next == nil {
			select {
			case <-c.signal:
				continue
			case <-c.done:
				return
			}
		}
		select {
		case out <- next:
		case <-c.done:
			return
		}
	}
}

func (c *memChannel) push(raw []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, raw)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *memChannel) Publish(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.published = append(c.published, raw)
	switch {
	case c.failAll:
		c.mu.Unlock()
		return errTransient
	case c.failNext > 0:
		c.failNext--
		c.mu.Unlock()
		return errTransient
	case c.ackLost > 0:
		c.ackLost--
		c.mu.Unlock()
		c.relay.deliver(raw)
		return errTransient
	}
	c.mu.Unlock()
	c.relay.deliver(raw)
	return nil
}

func (c *memChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.relay.mu.Lock()
		delete(c.relay.subs, c)
		c.relay.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *memChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *memChannel) publishedTypes() []domain.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MessageType, 0, len(c.published))
	for _, raw := range c.published {
		if m, err := domain.ParseMessage(raw); err == nil {
			out = append(out, m.Type)
		}
	}
	return out
}

// fakePC models the signaling state machine of a peer connection. It reports
// connected once an offer/answer exchange completes.
type fakePC struct {
	remote domain.ParticipantID

	mu          sync.Mutex
	state       domain.SignalingState
	hasRemote   bool
	rev         int
	offers      int
	restarts    int
	answers     int
	rollbacks   int
	candidates  []domain.ICECandidate
	tracks      []ports.LocalTrack
	closed      bool
	failAddCand bool
	noConnect   bool
	localCands  int

	onCandidate   func(*domain.ICECandidate)
	onConnState   func(domain.ConnectionState)
	onICEState    func(string)
	onNegotiation func()
}

func newFakePC(remote domain.ParticipantID) *fakePC {
	return &fakePC{remote: remote, state: domain.SignalingStable}
}

func (p *fakePC) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.SessionDescription{}, errors.New("pc closed")
	}
	p.rev++
	p.offers++
	if iceRestart {
		p.restarts++
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: fmt.Sprintf("offer rev=%d restart=%t", p.rev, iceRestart)}, nil
}

func (p *fakePC) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.SignalingHaveRemoteOffer {
		return domain.SessionDescription{}, fmt.Errorf("create answer in %s", p.state)
	}
	p.rev++
	p.answers++
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: fmt.Sprintf("answer rev=%d", p.rev)}, nil
}

func (p *fakePC) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	var connect bool
	switch {
	case d.Type == domain.SDPOffer && p.state == domain.SignalingStable:
		p.state = domain.SignalingHaveLocalOffer
	case d.Type == domain.SDPAnswer && p.state == domain.SignalingHaveRemoteOffer:
		p.state = domain.SignalingStable
		connect = true
	default:
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("set local %s in %s", d.Type, st)
	}
	emit := p.localCands
	p.localCands = 0
	p.mu.Unlock()

	for i := 0; i < emit; i++ {
		c := domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%d %s", i, p.remote)}
		p.fireCandidate(&c)
	}
	if connect {
		p.fireConnected()
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	p.mu.Lock()
	var connect bool
	switch {
	case d.Type == domain.SDPOffer && p.state == domain.SignalingStable:
		p.state = domain.SignalingHaveRemoteOffer
	case d.Type == domain.SDPAnswer && p.state == domain.SignalingHaveLocalOffer:
		p.state = domain.SignalingStable
		connect = true
	default:
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", d.Type, st)
	}
	p.hasRemote = true
	p.mu.Unlock()

	if connect {
		p.fireConnected()
	}
	return nil
}

func (p *fakePC) Rollback(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.SignalingHaveLocalOffer {
		return fmt.Errorf("rollback in %s", p.state)
	}
	p.state = domain.SignalingStable
	p.rollbacks++
	return nil
}

func (p *fakePC) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c)
	if p.failAddCand {
		return errors.New("bad candidate")
	}
	return nil
}

func (p *fakePC) SignalingState() domain.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *fakePC) SetLocalTracks(tracks []ports.LocalTrack) error {
	p.mu.Lock()
	p.tracks = append([]ports.LocalTrack(nil), tracks...)
	cb := p.onNegotiation
	p.mu.Unlock()
	if cb != nil {
		go cb()
	}
	return nil
}

func (p *fakePC) OnICECandidate(fn func(*domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onConnState = fn
	p.mu.Unlock()
}

func (p *fakePC) OnICEConnectionStateChange(fn func(string)) {
	p.mu.Lock()
	p.onICEState = fn
	p.mu.Unlock()
}

func (p *fakePC) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNegotiation = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = domain.SignalingClosed
	return nil
}

func (p *fakePC) fireCandidate(c *domain.ICECandidate) {
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	if cb != nil {
		go cb(c)
	}
}

func (p *fakePC) fireConnected() {
	p.mu.Lock()
	cb, skip := p.onConnState, p.noConnect
	p.mu.Unlock()
	if cb != nil && !skip {
		go cb(domain.ConnectionConnected)
	}
}

// setState simulates a transport-level state change.
func (p *fakePC) setState(s domain.ConnectionState) {
	p.mu.Lock()
	cb := p.onConnState
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (p *fakePC) snapshot() (offers, restarts, answers, rollbacks int, cands []domain.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.restarts, p.answers, p.rollbacks, append([]domain.ICECandidate(nil), p.candidates...)
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	pcs       map[domain.ParticipantID]*fakePC
	localCand int
	noConnect bool
	err       error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pcs: make(map[domain.ParticipantID]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(_ context.Context, remote domain.ParticipantID) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePC(remote)
	pc.localCands = f.localCand
	pc.noConnect = f.noConnect
	f.pcs[remote] = pc
	return pc, nil
}

func (f *fakeFactory) pc(t *testing.T, remote domain.ParticipantID) *fakePC {
	t.Helper()
	var pc *fakePC
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		pc = f.pcs[remote]
		return pc != nil
	}, 2*time.Second, 5*time.Millisecond, "no peer connection for %s", remote)
	return pc
}

type fakeTrack struct {
	id    string
	kind  domain.MediaKind
	muted atomic.Bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }
func (t *fakeTrack) SetMuted(m bool)        { t.muted.Store(m) }
func (t *fakeTrack) Muted() bool            { return t.muted.Load() }

type fakeMedia struct {
	mu     sync.Mutex
	active map[domain.MediaKind]*fakeTrack
	fail   map[domain.MediaKind]error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		active: make(map[domain.MediaKind]*fakeTrack),
		fail:   make(map[domain.MediaKind]error),
	}
}

func (m *fakeMedia) Acquire(_ context.Context, kind domain.MediaKind) (ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[kind]; err != nil {
		return nil, err
	}
	t := &fakeTrack{id: string(kind) + "-track", kind: kind}
	m.active[kind] = t
	return t, nil
}

func (m *fakeMedia) Release(kind domain.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, kind)
	return nil
}

func (m *fakeMedia) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[domain.MediaKind]*fakeTrack)
	return nil
}

func (m *fakeMedia) Active() []ports.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.LocalTrack, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	return out
}

type sentMessage struct {
	Type    domain.MessageType
	To      domain.ParticipantID
	Payload any
}

// stubSignaler records negotiation sends. Sends fail with err, only those to
// failTo when it is set.
type stubSignaler struct {
	mu     sync.Mutex
	sent   []sentMessage
	err    error
	failTo domain.ParticipantID
}

func (s *stubSignaler) SendWithRetry(_ context.Context, t domain.MessageType, to domain.ParticipantID, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{Type: t, To: to, Payload: payload})
	if s.err != nil && (s.failTo == "" || s.failTo == to) {
		return s.err
	}
	return nil
}

func (s *stubSignaler) setErr(err error, to domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.failTo = err, to
}

func (s *stubSignaler) count(t domain.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

type countingObserver struct {
	offers, restarts, collisions, politeCollisions, connected, failed atomic.Int32
}

func (o *countingObserver) OfferSent(iceRestart bool) {
	o.offers.Add(1)
	if iceRestart {
		o.restarts.Add(1)
	}
}

func (o *countingObserver) OfferCollision(polite bool) {
	o.collisions.Add(1)
	if polite {
		o.politeCollisions.Add(1)
	}
}

func (o *countingObserver) PeerConnected() { o.connected.Add(1) }
func (o *countingObserver) PeerFailed()    { o.failed.Add(1) }

func remoteMessage(t *testing.T, typ domain.MessageType, from domain.ParticipantID, session domain.SessionID, payload any) *domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(fmt.Sprintf("%s-%s-%d", from, typ, time.Now().UnixNano()), typ, "room-1", from, session, payload)
	require.NoError(t, err)
	return msg
}
