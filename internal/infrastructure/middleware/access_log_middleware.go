package middleware

import (
	"time"

	"huddle/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs one line per request with the trace and room
// identifiers TracingMiddleware stored on the request context.
func AccessLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
