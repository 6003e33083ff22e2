package http

import (
	"errors"
	"net/http"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomHandler serves meeting metadata, live presence and the transcript of
// one room to holders of that room's join token.
type RoomHandler struct {
	authService services.AuthService
	registry    ports.MeetingRegistry
	relay       ports.RoomBroadcaster
	transcripts *services.TranscriptService
	logger      *zap.SugaredLogger
}

func NewRoomHandler(
	authService services.AuthService,
	registry ports.MeetingRegistry,
	relay ports.RoomBroadcaster,
	transcripts *services.TranscriptService,
	logger *zap.SugaredLogger,
) *RoomHandler {
	return &RoomHandler{
		authService: authService,
		registry:    registry,
		relay:       relay,
		transcripts: transcripts,
		logger:      logger,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	rooms := router.Group("/api/v1/rooms/:id",
		middleware.AuthMiddleware(h.authService, services.ScopeJoin),
		middleware.RoomAccessMiddleware(h.authService),
	)
	{
		rooms.GET("", h.GetRoom)
		rooms.POST("/end", h.EndMeeting)
		rooms.GET("/transcript", h.ListTranscript)
		rooms.PUT("/transcript/:segment", h.PutSegment)
	}

	router.GET("/api/v1/archive/:id/transcript",
		middleware.AuthMiddleware(h.authService, services.ScopeJoin),
		h.ArchivedTranscript,
	)
}

type RoomResponse struct {
	RoomID       domain.RoomID         `json:"room_id"`
	Title        string                `json:"title,omitempty"`
	HostID       domain.ParticipantID  `json:"host_id"`
	Status       domain.RoomStatus     `json:"status"`
	ScheduledAt  time.Time             `json:"scheduled_at"`
	Capacity     int                   `json:"capacity,omitempty"`
	Participants []ports.PresenceEntry `json:"participants"`
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	meeting, err := h.registry.Meeting(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
			return
		}
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "meeting directory unavailable", http.StatusServiceUnavailable))
		return
	}

	presence := h.relay.Presence(roomID)
	if presence == nil {
		presence = []ports.PresenceEntry{}
	}
	c.JSON(http.StatusOK, RoomResponse{
		RoomID:       meeting.RoomID,
		Title:        meeting.Title,
		HostID:       meeting.HostID,
		Status:       meeting.Status,
		ScheduledAt:  meeting.ScheduledAt,
		Capacity:     meeting.Capacity,
		Participants: presence,
	})
}

// EndMeeting marks the meeting ended; only the host may call it. The host's
// client announces meeting-ended on the room channel itself.
func (h *RoomHandler) EndMeeting(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	claims, _ := middleware.ClaimsFrom(c)

	if err := h.authService.CheckHost(c.Request.Context(), claims.UserID, roomID); err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			c.Error(apperrors.NewForbiddenError("only the host can end the meeting"))
			return
		}
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "meeting directory unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.registry.SetStatus(c.Request.Context(), roomID, domain.RoomEnded); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to end meeting", http.StatusInternalServerError))
		return
	}

	h.logger.Infow("meeting ended", "room_id", roomID, "ended_by", claims.UserID)

	// The meeting is over either way; a failed archive is only logged.
	if meeting, err := h.registry.Meeting(c.Request.Context(), roomID); err != nil {
		h.logger.Errorw("transcript not archived", "room_id", roomID, "error", err)
	} else if _, err := h.transcripts.Archive(c.Request.Context(), *meeting, time.Now()); err != nil {
		h.logger.Errorw("transcript not archived", "room_id", roomID, "error", err)
	}
	c.Status(http.StatusNoContent)
}

// ArchivedTranscript serves the transcript archived when the meeting ended.
// It stays readable with the room's join token after the room is closed.
func (h *RoomHandler) ArchivedTranscript(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	claims, _ := middleware.ClaimsFrom(c)
	if claims.RoomID != roomID {
		c.Error(apperrors.NewForbiddenError("token is not valid for this room"))
		return
	}
	doc, err := h.transcripts.Archived(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *RoomHandler) ListTranscript(c *gin.Context) {
	segments, err := h.transcripts.List(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segments})
}

// PutSegment stores a finalized segment under its id. Repeating the request
// with the same id is a no-op answered with 200.
func (h *RoomHandler) PutSegment(c *gin.Context) {
	var seg domain.Segment
	if err := c.ShouldBindJSON(&seg); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid segment"))
		return
	}

	claims, _ := middleware.ClaimsFrom(c)
	seg.ID = c.Param("segment")
	seg.RoomID = domain.RoomID(c.Param("id"))
	if seg.SpeakerID == "" {
		seg.SpeakerID = claims.UserID
	}
	if seg.SpeakerID != claims.UserID {
		c.Error(apperrors.NewForbiddenError("segments can only be published for yourself"))
		return
	}

	// A failed rebroadcast answers 502 even though the segment is stored;
	// the publisher's retry of the same PUT redelivers it.
	created, err := h.transcripts.Save(c.Request.Context(), &seg)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, seg)
}
