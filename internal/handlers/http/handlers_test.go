package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/pkg/archive"
	"huddle/pkg/distributed"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRelay struct {
	mu       sync.Mutex
	sent     []*domain.Message
	presence []ports.PresenceEntry
	failNext bool
}

func (r *fakeRelay) Broadcast(ctx context.Context, roomID domain.RoomID, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return errors.New("relay down")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) Presence(roomID domain.RoomID) []ports.PresenceEntry {
	return r.presence
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type stubProvider struct {
	token string
	err   error
}

func (p stubProvider) Issue(context.Context) (string, error) { return p.token, p.err }

type api struct {
	router   *gin.Engine
	registry *memory.MemoryMeetingDirectory
	relay    *fakeRelay
}

func newAPI(t *testing.T, provider SpeechTokenSource) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	registry := memory.NewMemoryMeetingDirectory()
	auth := services.NewAuthService("secret", time.Hour, time.Minute, registry)
	relay := &fakeRelay{}
	storage, err := archive.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	transcripts := services.NewTranscriptService(memory.NewMemoryTranscriptRepository(), relay, nil, log).
		WithArchive(archive.New(storage))
	t.Cleanup(transcripts.Close)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	NewAuthHandler(auth, registry, distributed.NewLocalLocker(), time.Hour, log).SetupRoutes(router)
	NewRoomHandler(auth, registry, relay, transcripts, log).SetupRoutes(router)
	NewSpeechHandler(auth, provider, time.Minute, log).SetupRoutes(router)
	return &api{router: router, registry: registry, relay: relay}
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *api) join(t *testing.T, room, user string) TokenResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{RoomID: room, UserID: user, DisplayName: user})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthHandler_FirstParticipantHostsRoom(t *testing.T) {
	a := newAPI(t, nil)

	host := a.join(t, "standup", "alice")
	assert.Equal(t, domain.RoleHost, host.Role)
	assert.NotEmpty(t, host.Token)
	assert.Equal(t, 3600, host.ExpiresIn)

	guest := a.join(t, "standup", "bob")
	assert.Equal(t, domain.RoleParticipant, guest.Role)

	id, err := a.registry.Identity(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.DisplayName)
}

func TestAuthHandler_ConcurrentFirstJoinsElectOneHost(t *testing.T) {
	a := newAPI(t, nil)

	users := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	roles := make([]domain.Role, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{RoomID: "retro", UserID: u})
			var resp TokenResponse
			if assert.Equal(t, http.StatusOK, w.Code) && assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)) {
				roles[i] = resp.Role
			}
		}()
	}
	wg.Wait()

	hosts := 0
	for _, r := range roles {
		if r == domain.RoleHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)
}

func TestAuthHandler_RejectsBadRequests(t *testing.T) {
	a := newAPI(t, nil)

	cases := []struct {
		name string
		body any
	}{
		{"not json", "nope"},
		{"missing user", TokenRequest{RoomID: "standup"}},
		{"bad room", TokenRequest{RoomID: "no spaces", UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/v1/auth/token", "", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRoomHandler_GetRoomAndEnd(t *testing.T) {
	a := newAPI(t, nil)
	host := a.join(t, "standup", "alice")
	guest := a.join(t, "standup", "bob")
	a.relay.presence = []ports.PresenceEntry{{ParticipantID: "alice", SessionID: "s1"}}

	w := a.do(t, http.MethodGet, "/api/v1/rooms/standup", guest.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var room RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, domain.ParticipantID("alice"), room.HostID)
	assert.Len(t, room.Participants, 1)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/archive/standup/transcript", guest.Token, nil).Code)
	w = a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-1", guest.Token,
		domain.Segment{Text: "Ship it", StartTimeMs: 0, EndTimeMs: 900, Confidence: 0.9})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, "/api/v1/rooms/standup/end", guest.Token, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/api/v1/rooms/standup/end", host.Token, nil).Code)

	w = a.do(t, http.MethodGet, "/api/v1/archive/standup/transcript", guest.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var archived services.ArchivedTranscript
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &archived))
	assert.Equal(t, domain.ParticipantID("alice"), archived.HostID)
	require.Len(t, archived.Segments, 1)
	assert.Equal(t, "Ship it", archived.Segments[0].Text)
	assert.Equal(t, domain.ParticipantID("bob"), archived.Segments[0].SpeakerID)

	other := a.join(t, "retro", "carol")
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/api/v1/archive/standup/transcript", other.Token, nil).Code)

	// ended meetings refuse both new tokens and old ones
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/api/v1/rooms/standup", guest.Token, nil).Code)
	w = a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{RoomID: "standup", UserID: "dave"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoomHandler_TokenScopedToRoom(t *testing.T) {
	a := newAPI(t, nil)
	tok := a.join(t, "standup", "alice")
	a.join(t, "retro", "bob")

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/v1/rooms/standup", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/api/v1/rooms/retro", tok.Token, nil).Code)
}

func TestRoomHandler_PutSegmentIsIdempotent(t *testing.T) {
	a := newAPI(t, nil)
	tok := a.join(t, "standup", "alice")

	seg := domain.Segment{Text: "Morning all.", StartTimeMs: 0, EndTimeMs: 900, Confidence: 0.9}
	w := a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-1", tok.Token, seg)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-1", tok.Token, seg)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, a.relay.count())

	seg.SpeakerID = "bob"
	w = a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-2", tok.Token, seg)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/rooms/standup/transcript", tok.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Segments []domain.Segment `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Segments, 1)
	assert.Equal(t, "seg-1", out.Segments[0].ID)
	assert.Equal(t, domain.ParticipantID("alice"), out.Segments[0].SpeakerID)
}

func TestRoomHandler_PutSegmentRetriesFailedBroadcast(t *testing.T) {
	a := newAPI(t, nil)
	tok := a.join(t, "standup", "alice")
	a.relay.failNext = true

	seg := domain.Segment{Text: "hello", EndTimeMs: 100, Confidence: 1}
	w := a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-1", tok.Token, seg)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 0, a.relay.count())

	w = a.do(t, http.MethodPut, "/api/v1/rooms/standup/transcript/seg-1", tok.Token, seg)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, a.relay.count())
}

func TestSpeechHandler_IssueToken(t *testing.T) {
	t.Run("self signed", func(t *testing.T) {
		a := newAPI(t, nil)
		tok := a.join(t, "standup", "alice")

		w := a.do(t, http.MethodPost, "/api/v1/stt/token", tok.Token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.NotEmpty(t, out.Token)
		assert.Equal(t, 60, out.ExpiresIn)

		// a speech token cannot be used to ask for another
		assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/api/v1/stt/token", out.Token, nil).Code)
	})

	t.Run("provider", func(t *testing.T) {
		a := newAPI(t, stubProvider{token: "temp-123"})
		tok := a.join(t, "standup", "alice")
		w := a.do(t, http.MethodPost, "/api/v1/stt/token", tok.Token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "temp-123")
	})

	t.Run("provider down", func(t *testing.T) {
		a := newAPI(t, stubProvider{err: errors.New("timeout")})
		tok := a.join(t, "standup", "alice")
		assert.Equal(t, http.StatusBadGateway, a.do(t, http.MethodPost, "/api/v1/stt/token", tok.Token, nil).Code)
	})
}
