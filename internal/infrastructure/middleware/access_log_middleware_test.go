package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"huddle/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLogMiddleware_LogsRouteAndRoom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(TracingMiddleware(), AccessLogMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/api/v1/rooms/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/standup", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/rooms/:id", fields["path"])
	assert.Equal(t, "standup", fields["room_id"])
	assert.Equal(t, int64(http.StatusNoContent), fields["status_code"])
}
