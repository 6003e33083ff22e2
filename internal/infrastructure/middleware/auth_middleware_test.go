package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	rooms := router.Group("/rooms/:id", AuthMiddleware(auth, services.ScopeJoin), RoomAccessMiddleware(auth))
	rooms.GET("", func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, string(claims.UserID))
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Minute, nil)
	join, err := auth.IssueJoinToken(domain.Identity{UserID: "alice"}, "standup")
	require.NoError(t, err)
	speech, err := auth.IssueSpeechToken("alice", "standup")
	require.NoError(t, err)

	router := newAuthRouter(auth)

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"valid", "/rooms/standup", "Bearer " + join, http.StatusOK},
		{"missing header", "/rooms/standup", "", http.StatusUnauthorized},
		{"not bearer", "/rooms/standup", "Basic " + join, http.StatusUnauthorized},
		{"wrong scope", "/rooms/standup", "Bearer " + speech, http.StatusUnauthorized},
		{"other room", "/rooms/retro", "Bearer " + join, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			}
		})
	}
}
