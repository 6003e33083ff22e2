package http

import (
	"context"
	"net/http"
	"time"

	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SpeechTokenSource mints provider tokens for streaming transcription.
type SpeechTokenSource interface {
	Issue(ctx context.Context) (string, error)
}

// SpeechHandler hands participants short-lived speech-to-text tokens. With
// no provider configured it signs its own speech-scoped token, which a
// self-hosted recognizer sharing the relay secret can verify.
type SpeechHandler struct {
	authService services.AuthService
	provider    SpeechTokenSource // nil when no provider key is configured
	tokenTTL    time.Duration
	logger      *zap.SugaredLogger
}

func NewSpeechHandler(authService services.AuthService, provider SpeechTokenSource, tokenTTL time.Duration, logger *zap.SugaredLogger) *SpeechHandler {
	return &SpeechHandler{
		authService: authService,
		provider:    provider,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}
}

func (h *SpeechHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/stt/token",
		middleware.AuthMiddleware(h.authService, services.ScopeJoin),
		h.IssueToken,
	)
}

func (h *SpeechHandler) IssueToken(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)

	var (
		token string
		err   error
	)
	if h.provider != nil {
		token, err = h.provider.Issue(c.Request.Context())
		if err != nil {
			h.logger.Warnw("speech provider token request failed", "user_id", claims.UserID, "error", err)
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeBadGateway, "speech provider unavailable", http.StatusBadGateway))
			return
		}
	} else {
		token, err = h.authService.IssueSpeechToken(claims.UserID, claims.RoomID)
		if err != nil {
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
