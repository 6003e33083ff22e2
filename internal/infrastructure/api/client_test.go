package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	handlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/pkg/distributed"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRelay struct{ sent atomic.Int32 }

func (r *countingRelay) Broadcast(context.Context, domain.RoomID, *domain.Message) error {
	r.sent.Add(1)
	return nil
}

func (r *countingRelay) Presence(domain.RoomID) []ports.PresenceEntry {
	return []ports.PresenceEntry{{ParticipantID: "alice", SessionID: "s1"}}
}

func newRelayAPI(t *testing.T) (*httptest.Server, *countingRelay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	registry := memory.NewMemoryMeetingDirectory()
	auth := services.NewAuthService("secret", time.Hour, time.Minute, registry)
	relay := &countingRelay{}
	transcripts := services.NewTranscriptService(memory.NewMemoryTranscriptRepository(), relay, nil, log)
	t.Cleanup(transcripts.Close)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log))
	handlers.NewAuthHandler(auth, registry, distributed.NewLocalLocker(), time.Hour, log).SetupRoutes(router)
	handlers.NewRoomHandler(auth, registry, relay, transcripts, log).SetupRoutes(router)
	handlers.NewSpeechHandler(auth, nil, time.Minute, log).SetupRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, relay
}

func TestClient_JoinThenUseRoom(t *testing.T) {
	srv, relay := newRelayAPI(t)
	ctx := context.Background()
	c := NewClient(srv.URL+"/", nil)

	_, err := c.SpeechToken(ctx)
	assert.ErrorIs(t, err, domain.ErrNotJoined)

	grant, err := c.Join(ctx, JoinRequest{RoomID: "standup", UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, grant.Role)

	meeting, presence, err := c.Room(ctx, "standup")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), meeting.HostID)
	assert.Len(t, presence, 1)

	id, err := c.Identity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", id.DisplayName)
	_, err = c.Identity(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	token, err := c.SpeechToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	seg := domain.Segment{ID: "seg-1", RoomID: "standup", SpeakerID: "alice", Text: "hi", EndTimeMs: 10, Confidence: 1}
	require.NoError(t, c.PublishSegment(ctx, seg))
	require.NoError(t, c.PublishSegment(ctx, seg))
	assert.Equal(t, int32(1), relay.sent.Load())

	segs, err := c.Transcript(ctx, "standup")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "hi", segs[0].Text)

	require.NoError(t, c.SetStatus(ctx, "standup", domain.RoomEnded))
	_, err = c.Meeting(ctx, "standup")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"INVALID_INPUT","message":"segment text is required"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.token = "t"
	err := c.PublishSegment(context.Background(), domain.Segment{ID: "seg-1", RoomID: "standup"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "INVALID_INPUT", se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.token = "t"
	require.NoError(t, c.PublishSegment(context.Background(), domain.Segment{ID: "seg-1", RoomID: "standup"}))
	assert.Equal(t, int32(3), calls.Load())
}
