package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) *PeerFactory {
	t.Helper()
	f, err := NewPeerFactory(Config{}, nil, nil)
	require.NoError(t, err)
	return f
}

func newTestPeer(t *testing.T, f *PeerFactory, remote domain.ParticipantID) ports.PeerConnection {
	t.Helper()
	pc, err := f.NewPeerConnection(context.Background(), remote)
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

type stateLog struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (l *stateLog) add(s domain.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) has(s domain.ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestPeerConnection_OfferAnswerConnects(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	alice := newTestPeer(t, f, "bob")
	bob := newTestPeer(t, f, "alice")

	aliceCands := make(chan domain.ICECandidate, 128)
	bobCands := make(chan domain.ICECandidate, 128)
	alice.OnICECandidate(func(c *domain.ICECandidate) {
		if c != nil {
			aliceCands <- *c
		}
	})
	bob.OnICECandidate(func(c *domain.ICECandidate) {
		if c != nil {
			bobCands <- *c
		}
	})
	var aliceStates, bobStates stateLog
	alice.OnConnectionStateChange(aliceStates.add)
	bob.OnConnectionStateChange(bobStates.add)

	mediaA := NewLocalMedia("alice")
	track, err := mediaA.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalTracks([]ports.LocalTrack{track}))

	offer, err := alice.CreateOffer(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	require.NoError(t, alice.SetLocalDescription(ctx, offer))
	assert.Equal(t, domain.SignalingHaveLocalOffer, alice.SignalingState())

	require.NoError(t, bob.SetRemoteDescription(ctx, offer))
	assert.True(t, bob.HasRemoteDescription())
	answer, err := bob.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(ctx, answer))
	require.NoError(t, alice.SetRemoteDescription(ctx, answer))
	assert.Equal(t, domain.SignalingStable, alice.SignalingState())

	go func() {
		for c := range aliceCands {
			bob.AddICECandidate(ctx, c)
		}
	}()
	go func() {
		for c := range bobCands {
			alice.AddICECandidate(ctx, c)
		}
	}()

	require.Eventually(t, func() bool {
		return aliceStates.has(domain.ConnectionConnected) && bobStates.has(domain.ConnectionConnected)
	}, 15*time.Second, 50*time.Millisecond)
}

func TestPeerConnection_RollbackReturnsToStable(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	pc := newTestPeer(t, f, "bob")

	track, err := NewLocalMedia("alice").Acquire(ctx, domain.MediaVideo)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalTracks([]ports.LocalTrack{track}))

	offer, err := pc.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(ctx, offer))
	require.Equal(t, domain.SignalingHaveLocalOffer, pc.SignalingState())

	require.NoError(t, pc.Rollback(ctx))
	assert.Equal(t, domain.SignalingStable, pc.SignalingState())
	assert.NoError(t, pc.Rollback(ctx))
}

func TestPeerConnection_CollidingOffersSettleAfterRollback(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	alice := newTestPeer(t, f, "bob")
	bob := newTestPeer(t, f, "alice")

	for name, pc := range map[domain.ParticipantID]ports.PeerConnection{"alice": alice, "bob": bob} {
		track, err := NewLocalMedia(name).Acquire(ctx, domain.MediaAudio)
		require.NoError(t, err)
		require.NoError(t, pc.SetLocalTracks([]ports.LocalTrack{track}))
	}

	aliceOffer, err := alice.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(ctx, aliceOffer))
	bobOffer, err := bob.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(ctx, bobOffer))

	// bob yields: drop his offer and answer alice's
	require.NoError(t, bob.Rollback(ctx))
	require.NoError(t, bob.SetRemoteDescription(ctx, aliceOffer))
	answer, err := bob.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(ctx, answer))
	require.NoError(t, alice.SetRemoteDescription(ctx, answer))

	assert.Equal(t, domain.SignalingStable, alice.SignalingState())
	assert.Equal(t, domain.SignalingStable, bob.SignalingState())

	// and then renegotiates his own change
	bobOffer, err = bob.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(ctx, bobOffer))
	require.NoError(t, alice.SetRemoteDescription(ctx, bobOffer))
	answer, err = alice.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(ctx, answer))
	require.NoError(t, bob.SetRemoteDescription(ctx, answer))
	assert.Equal(t, domain.SignalingStable, bob.SignalingState())
}

func TestPeerConnection_FirstOfferWithoutTracksHasMediaSections(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	alice := newTestPeer(t, f, "bob")
	bob := newTestPeer(t, f, "alice")

	offer, err := alice.CreateOffer(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "a=ice-ufrag:")
	require.NoError(t, alice.SetLocalDescription(ctx, offer))

	require.NoError(t, bob.SetRemoteDescription(ctx, offer))
	answer, err := bob.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(ctx, answer))
	require.NoError(t, alice.SetRemoteDescription(ctx, answer))
	assert.Equal(t, domain.SignalingStable, alice.SignalingState())
}

func TestPeerConnection_HeldOfferSuppressesNegotiationNeeded(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	pc := newTestPeer(t, f, "bob")

	offer, err := pc.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(ctx, offer))

	needed := make(chan struct{}, 4)
	pc.OnNegotiationNeeded(func() { needed <- struct{}{} })
	track, err := NewLocalMedia("alice").Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalTracks([]ports.LocalTrack{track}))

	select {
	case <-needed:
		t.Fatal("negotiation-needed raised while an offer is outstanding")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerConnection_SetLocalTracksRaisesNegotiation(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	pc := newTestPeer(t, f, "bob")

	needed := make(chan struct{}, 4)
	pc.OnNegotiationNeeded(func() { needed <- struct{}{} })

	track, err := NewLocalMedia("alice").Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalTracks([]ports.LocalTrack{track}))

	select {
	case <-needed:
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation-needed not raised after adding a track")
	}

	require.NoError(t, pc.SetLocalTracks([]ports.LocalTrack{track}))
	require.NoError(t, pc.SetLocalTracks(nil))
}

type foreignTrack struct{}

func (foreignTrack) ID() string             { return "foreign" }
func (foreignTrack) Kind() domain.MediaKind { return domain.MediaAudio }
func (foreignTrack) SetMuted(bool)          {}
func (foreignTrack) Muted() bool            { return false }

func TestPeerConnection_RejectsForeignTracks(t *testing.T) {
	pc := newTestPeer(t, newTestFactory(t), "bob")
	assert.Error(t, pc.SetLocalTracks([]ports.LocalTrack{foreignTrack{}}))
}

func TestLocalMedia_OneTrackPerKind(t *testing.T) {
	m := NewLocalMedia("alice")
	ctx := context.Background()

	a1, err := m.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	a2, err := m.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	_, err = m.Acquire(ctx, domain.MediaScreen)
	require.NoError(t, err)
	require.Len(t, m.Active(), 2)
	assert.Equal(t, domain.MediaAudio, m.Active()[0].Kind())

	_, err = m.Acquire(ctx, domain.MediaKind("hologram"))
	assert.ErrorIs(t, err, domain.ErrMediaDevice)

	require.NoError(t, m.Release(domain.MediaAudio))
	assert.Len(t, m.Active(), 1)
	require.NoError(t, m.ReleaseAll())
	assert.Empty(t, m.Active())
}

func TestLocalMediaTrack_MutedDropsSamples(t *testing.T) {
	m := NewLocalMedia("alice")
	tr, err := m.Acquire(context.Background(), domain.MediaAudio)
	require.NoError(t, err)

	track := tr.(*LocalMediaTrack)
	track.SetMuted(true)
	assert.True(t, track.Muted())
	assert.NoError(t, track.WriteSample(media.Sample{Data: []byte{1, 2, 3}, Duration: 20 * time.Millisecond}))
}
