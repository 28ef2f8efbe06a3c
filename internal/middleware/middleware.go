// Package middleware is the Core's HTTP middleware chain: request-id
// tagging, structured access logging, per-request deadlines, response
// hardening headers, and body-size limits. Each handler is scoped to
// what the Core's narrow JSON/WebSocket surface actually needs; the
// chain deliberately has no session, org, or quota awareness.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meristem/core/internal/logging"
)

var httpLog = logging.Component("http")

const requestIDHeader = "X-Request-ID"

const requestIDKey = "middleware.request_id"

// RequestID tags every request with an id, honoring one the caller
// already carries so a trace started upstream stays joined. Handlers
// feed this id into trace.New as the propagated trace id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id RequestID attached, or "" when the
// middleware did not run.
func GetRequestID(c *gin.Context) string {
	id, _ := c.Get(requestIDKey)
	s, _ := id.(string)
	return s
}

// AccessLog emits one structured line per completed request, at a
// level derived from the response status.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := httpLog.Info()
		switch {
		case status >= 500:
			ev = httpLog.Error()
		case status >= 400:
			ev = httpLog.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", GetRequestID(c)).
			Msg("http request")
	}
}

// Deadline bounds each request's context. WebSocket upgrades are
// exempt: those connections outlive any sane request deadline. A
// handler that overruns and has not written yet answers 504.
func Deadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"success": false, "error": "REQUEST_TIMEOUT"})
		}
	}
}

// Harden sets the response headers a token-authenticated JSON API
// needs. There is no CSP or frame policy here: the Core serves no
// HTML, so nosniff plus cache suppression on authenticated responses
// covers the surface.
func Harden() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// BodyLimit rejects oversized request bodies before a handler reads
// them: an honest Content-Length over the cap answers 413 outright,
// and a chunked or lying body is capped by http.MaxBytesReader so the
// decoder fails partway instead of buffering without bound.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "REQUEST_TOO_LARGE"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}
