package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler issues join tokens. Identity is asserted by the caller; the
// first participant to request a token for an unknown room becomes its host.
// Room creation is serialized through locker so concurrent first joins agree
// on one host.
type AuthHandler struct {
	authService services.AuthService
	registry    ports.MeetingRegistry
	locker      ports.Locker
	tokenTTL    time.Duration
	logger      *zap.SugaredLogger
}

func NewAuthHandler(authService services.AuthService, registry ports.MeetingRegistry, locker ports.Locker, tokenTTL time.Duration, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		registry:    registry,
		locker:      locker,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	RoomID      string `json:"room_id" binding:"required,max=64"`
	UserID      string `json:"user_id" binding:"required,max=128"`
	DisplayName string `json:"display_name" binding:"max=64"`
	AvatarURL   string `json:"avatar_url" binding:"max=2048"`
	Title       string `json:"title" binding:"max=256"`
}

type TokenResponse struct {
	Token     string               `json:"token"`
	ExpiresIn int                  `json:"expires_in"`
	UserID    domain.ParticipantID `json:"user_id"`
	RoomID    domain.RoomID        `json:"room_id"`
	Role      domain.Role          `json:"role"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateParticipantID(req.UserID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.AvatarURL != "" {
		if err := validation.ValidateURL(req.AvatarURL); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	ctx := c.Request.Context()
	roomID := domain.RoomID(req.RoomID)
	userID := domain.ParticipantID(req.UserID)

	meeting, err := h.meetingFor(ctx, roomID, userID, req.Title)
	switch {
	case err != nil:
		c.Error(err)
		return
	case meeting.Status == domain.RoomEnded:
		c.Error(apperrors.NewForbiddenError("meeting has ended").WithContext("room_id", roomID))
		return
	}

	role := domain.RoleParticipant
	if meeting.HostID == userID {
		role = domain.RoleHost
	}
	identity := &domain.Identity{
		UserID:      userID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Role:        role,
	}
	if err := h.registry.PutIdentity(ctx, identity); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store identity", http.StatusInternalServerError))
		return
	}

	token, err := h.authService.IssueJoinToken(*identity, roomID)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int(h.tokenTTL / time.Second),
		UserID:    userID,
		RoomID:    roomID,
		Role:      role,
	})
}

// meetingFor loads the room's metadata, creating the room with userID as host
// when it does not exist yet.
func (h *AuthHandler) meetingFor(ctx context.Context, roomID domain.RoomID, userID domain.ParticipantID, title string) (*domain.MeetingMetadata, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	release, err := h.locker.Acquire(lockCtx, "room:"+string(roomID))
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room is busy, try again", http.StatusServiceUnavailable)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			h.logger.Warnw("room lock release failed", "room_id", roomID, "error", err)
		}
	}()

	meeting, err := h.registry.Meeting(ctx, roomID)
	if err == nil {
		return meeting, nil
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "meeting directory unavailable", http.StatusServiceUnavailable)
	}

	meeting = &domain.MeetingMetadata{
		RoomID:      roomID,
		Title:       title,
		HostID:      userID,
		ScheduledAt: time.Now().UTC(),
		Status:      domain.RoomConnecting,
	}
	if err := h.registry.PutMeeting(ctx, meeting); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create meeting", http.StatusInternalServerError)
	}
	h.logger.Infow("meeting created", "room_id", roomID, "host_id", userID)
	return meeting, nil
}
