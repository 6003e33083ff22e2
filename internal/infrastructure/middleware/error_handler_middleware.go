package middleware

import (
	"net/http"
	"runtime/debug"

	"huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every failed API response.
type errorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"traceId,omitempty"`
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Anything that is not an AppError becomes a 500 whose text stays
// in the log.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
		}

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"method", c.Request.Method,
			"route", c.FullPath(),
		}
		if claims, ok := ClaimsFrom(c); ok {
			fields = append(fields, "user_id", claims.UserID, "token_room_id", claims.RoomID)
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", append(fields, "error", err)...)
		} else {
			logger.Debugw("request rejected", append(fields, "message", appErr.Message)...)
		}

		body := errorBody{
			Error:   string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Context,
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			body.TraceID = sc.TraceID().String()
		}
		c.AbortWithStatusJSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs its stack.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
					Error:   string(errors.ErrCodeInternal),
					Message: "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
