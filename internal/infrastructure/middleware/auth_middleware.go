package middleware

import (
	"errors"
	"net/http"
	"strings"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", apperrors.NewUnauthorizedError("authorization header required")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", apperrors.NewUnauthorizedError("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthMiddleware admits requests carrying a bearer token of the given scope.
func AuthMiddleware(authService services.AuthService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		claims, err := authService.ValidateScoped(token, scope)
		if err != nil {
			c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

// RoomAccessMiddleware requires the token's room to match the :id route
// parameter and the meeting to still be open.
func RoomAccessMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Error(apperrors.NewUnauthorizedError("authentication required"))
			c.Abort()
			return
		}

		roomID := domain.RoomID(c.Param("id"))
		if err := authService.CheckRoomAccess(c.Request.Context(), claims, roomID); err != nil {
			switch {
			case errors.Is(err, domain.ErrRoomEnded):
				c.Error(apperrors.NewForbiddenError("meeting has ended").WithContext("room_id", roomID))
			case errors.Is(err, services.ErrUnauthorized):
				c.Error(apperrors.NewForbiddenError("token not valid for this room").WithContext("room_id", roomID))
			default:
				c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "meeting directory unavailable", http.StatusServiceUnavailable))
			}
			c.Abort()
			return
		}

		c.Set("room_id", roomID)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}
