package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Middleware tags each request with a request_id logger and writes one summary
// line when it finishes. Handlers and services reach the logger through From on
// the request context; attributes added there downstream, such as the caller's
// user_id, show up on the summary line too.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)
		c.Request = c.Request.WithContext(With(c.Request.Context(), l.With("request_id", rid)))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("call_id"); id != "" {
			attrs = append(attrs, "call_id", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		reqLogger := From(c.Request.Context())
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError || len(c.Errors) > 0:
			reqLogger.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			reqLogger.Warn("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

// FromGin returns the request-scoped logger of a gin handler.
func FromGin(c *gin.Context) *slog.Logger {
	return From(c.Request.Context())
}
