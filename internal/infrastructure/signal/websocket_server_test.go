package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	"huddle/pkg/ids"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom domain.RoomID = "standup"

type relayHarness struct {
	server *WebSocketServer
	http   *httptest.Server
	auth   services.AuthService
	url    string
}

func newRelayHarness(t *testing.T, tweak func(*ServerConfig)) *relayHarness {
	t.Helper()
	auth := services.NewAuthService("test-secret", time.Hour, time.Minute, nil)
	cfg := ServerConfig{
		PingInterval:    time.Second,
		PongTimeout:     5 * time.Second,
		RoomIdleTimeout: time.Minute,
		SendQueueSize:   64,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	srv := NewWebSocketServer(cfg, auth, nil, nil)
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(hs.Close)
	return &relayHarness{
		server: srv,
		http:   hs,
		auth:   auth,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func (h *relayHarness) token(t *testing.T, user domain.ParticipantID) string {
	t.Helper()
	tok, err := h.auth.IssueJoinToken(domain.Identity{UserID: user, DisplayName: string(user)}, testRoom)
	require.NoError(t, err)
	return tok
}

type relayPeer struct {
	id      domain.ParticipantID
	session domain.SessionID
	ch      *WSChannel
	in      <-chan []byte
}

func (h *relayHarness) connect(t *testing.T, user domain.ParticipantID) *relayPeer {
	t.Helper()
	session := domain.SessionID(ids.NewSessionID())
	ch := NewWSChannel(WSChannelConfig{
		URL:       h.url,
		RoomID:    testRoom,
		SessionID: session,
		Token:     h.token(t, user),
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return &relayPeer{id: user, session: session, ch: ch, in: in}
}

func (p *relayPeer) send(t *testing.T, typ domain.MessageType, to domain.ParticipantID, payload any) *domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(ids.NewMessageID(), typ, testRoom, p.id, p.session, payload)
	require.NoError(t, err)
	msg.To = to
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, p.ch.Publish(context.Background(), raw))
	return msg
}

func (p *relayPeer) next(t *testing.T) *domain.Message {
	t.Helper()
	select {
	case raw, ok := <-p.in:
		require.True(t, ok, "relay channel closed")
		msg, err := domain.ParseMessage(raw)
		require.NoError(t, err)
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: no message from relay", p.id)
		return nil
	}
}

func (p *relayPeer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case raw := <-p.in:
		t.Fatalf("%s: unexpected message %s", p.id, raw)
	case <-time.After(d):
	}
}

func TestWebSocketServer_BroadcastSkipsSender(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	sent := alice.send(t, domain.MessageUserJoined, "", domain.ProfilePayload{DisplayName: "Alice"})

	for _, p := range []*relayPeer{bob, carol} {
		got := p.next(t)
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, domain.MessageUserJoined, got.Type)
		assert.Equal(t, domain.ParticipantID("alice"), got.From)
	}
	alice.quiet(t, 200*time.Millisecond)
}

func TestWebSocketServer_UnicastReachesOnlyTarget(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	sent := alice.send(t, domain.MessageOffer, "bob", domain.DescriptionPayload{
		Description: domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0"},
	})

	got := bob.next(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, domain.ParticipantID("bob"), got.To)
	carol.quiet(t, 200*time.Millisecond)
}

func TestWebSocketServer_AnnouncesDroppedConnection(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.NoError(t, bob.ch.Close())

	got := alice.next(t)
	assert.Equal(t, domain.MessageUserLeft, got.Type)
	assert.Equal(t, domain.ParticipantID("bob"), got.From)
	assert.Equal(t, bob.session, got.SessionID)
}

func TestWebSocketServer_NoSyntheticLeaveAfterGoodbye(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	goodbye := bob.send(t, domain.MessageUserLeft, "", domain.UserLeftPayload{Reason: "left"})
	require.Equal(t, goodbye.ID, alice.next(t).ID)

	require.NoError(t, bob.ch.Close())
	alice.quiet(t, 300*time.Millisecond)
}

func TestWebSocketServer_RejectsSpoofedSender(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	msg, err := domain.NewMessage(ids.NewMessageID(), domain.MessageMeetingEnded, testRoom, "carol", "s", domain.MeetingEndedPayload{EndedBy: "carol"})
	require.NoError(t, err)
	raw, _ := json.Marshal(msg)
	require.NoError(t, alice.ch.Publish(context.Background(), raw))

	bob.quiet(t, 300*time.Millisecond)
}

func TestWebSocketServer_RefusesBadTokens(t *testing.T) {
	h := newRelayHarness(t, nil)

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"missing token", "room_id=standup", http.StatusUnauthorized},
		{"garbage token", "room_id=standup&token=nope", http.StatusUnauthorized},
		{"bad room", "room_id=no%20spaces&token=x", http.StatusBadRequest},
		{"other room", "room_id=retro&token=" + h.token(t, "alice"), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(h.url+"?"+tc.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestWebSocketServer_ServerBroadcastAndPresence(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.Eventually(t, func() bool {
		return len(h.server.Presence(testRoom)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	seg := domain.Segment{ID: "seg-1", RoomID: testRoom, Text: "hi"}
	msg, err := domain.NewMessage(ids.NewMessageID(), domain.MessageTranscriptSegment, testRoom,
		domain.RelayParticipantID, "relay", seg)
	require.NoError(t, err)
	require.NoError(t, h.server.Broadcast(context.Background(), testRoom, msg))

	for _, p := range []*relayPeer{alice, bob} {
		got := p.next(t)
		assert.Equal(t, domain.MessageTranscriptSegment, got.Type)
		assert.Equal(t, domain.RelayParticipantID, got.From)
	}

	assert.Empty(t, h.server.Presence("elsewhere"))
	assert.NoError(t, h.server.Broadcast(context.Background(), "elsewhere", msg))
}

func TestWebSocketServer_RateLimitsChattyConnection(t *testing.T) {
	h := newRelayHarness(t, func(c *ServerConfig) {
		c.MessagesPerSecond = 1
		c.Burst = 2
	})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	for i := 0; i < 5; i++ {
		alice.send(t, domain.MessagePresencePing, "", domain.PresencePayload{Seq: uint64(i)})
	}

	received := 0
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-bob.in:
			received++
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 2, received)
}

func TestWebSocketServer_IdleRoomCollected(t *testing.T) {
	h := newRelayHarness(t, func(c *ServerConfig) {
		c.RoomIdleTimeout = 50 * time.Millisecond
	})
	alice := h.connect(t, "alice")
	assert.Equal(t, 1, h.server.Rooms())

	require.NoError(t, alice.ch.Close())
	require.Eventually(t, func() bool { return h.server.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)

	h.connect(t, "bob")
	assert.Equal(t, 1, h.server.Rooms())
}

func TestWSChannel_SubscribeTimesOutWithoutAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer silent.Close()

	ch := NewWSChannel(WSChannelConfig{
		URL:    "ws" + strings.TrimPrefix(silent.URL, "http"),
		RoomID: testRoom,
	}, nil)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := ch.Subscribe(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSChannel_CloseEndsInbound(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")

	require.NoError(t, alice.ch.Close())
	select {
	case _, ok := <-alice.in:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed")
	}
	assert.ErrorIs(t, alice.ch.Publish(context.Background(), []byte("{}")), domain.ErrChannelClosed)
}

func TestWebSocketServer_ShutdownClosesConnections(t *testing.T) {
	h := newRelayHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
	assert.Equal(t, 0, h.server.Rooms())

	for _, p := range []*relayPeer{alice, bob} {
		select {
		case raw, ok := <-p.in:
			assert.False(t, ok, "unexpected message %s", raw)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: connection not closed", p.id)
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?room_id=standup&token="+h.token(t, "carol"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type recordingFanout struct {
	mu        sync.Mutex
	published []*domain.Message
}

func (f *recordingFanout) Publish(_ context.Context, _ domain.RoomID, raw []byte) error {
	msg, err := domain.ParseMessage(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	n := len(f.published)
	f.mu.Unlock()
	// uneven publish latency
	time.Sleep(time.Duration(n%3) * time.Millisecond)
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *recordingFanout) Subscribe(ctx context.Context, _ func(domain.RoomID, []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *recordingFanout) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, m := range f.published {
		out = append(out, m.ID)
	}
	return out
}

func TestWebSocketServer_FanoutPreservesRoomOrder(t *testing.T) {
	h := newRelayHarness(t, nil)
	fanout := &recordingFanout{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.server.UseFanout(ctx, fanout)

	// bob is connected to another relay instance
	alice := h.connect(t, "alice")
	var sent []string
	for i := 0; i < 40; i++ {
		msg := alice.send(t, domain.MessageICECandidate, "bob", map[string]int{"seq": i})
		sent = append(sent, msg.ID)
	}

	require.Eventually(t, func() bool { return len(fanout.ids()) == len(sent) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, sent, fanout.ids())
}

func TestWebSocketServer_NewerSessionReplacesOlder(t *testing.T) {
	h := newRelayHarness(t, nil)
	oldAlice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	newAlice := h.connect(t, "alice")

	left := bob.next(t)
	assert.Equal(t, domain.MessageUserLeft, left.Type)
	assert.Equal(t, domain.ParticipantID("alice"), left.From)
	assert.Equal(t, oldAlice.session, left.SessionID)

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-oldAlice.in:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 10*time.Millisecond, "replaced connection stays open")

	offer := bob.send(t, domain.MessageOffer, "alice", map[string]string{"sdp": "v=0"})
	got := newAlice.next(t)
	assert.Equal(t, offer.ID, got.ID)
}
