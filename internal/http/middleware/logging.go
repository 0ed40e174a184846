// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the correlation ID, panic recovery and the
// request-scoped logger accessor:
//
//   - RequestID() keeps a caller-supplied X-Request-ID or mints a UUIDv4,
//     stores it in the Gin context and echoes it on the response.
//   - Recovery() turns a panic into a JSON 500 with code "internal_error".
//     The stack goes to the log, never to the client.
//   - LoggerFrom() hands handlers and services the logger attached by
//     RedactingLogger, falling back to the global zerolog logger.
//
// Design notes:
//   - Install in this order so a panic is logged with its request ID:
//     1) RequestID()
//     2) RedactingLogger(...)
//     3) Recovery()
//   - A response that already started streaming cannot be rewritten; Recovery
//     only aborts it with status 500.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RequestID(), middleware.RedactingLogger(middleware.RedactOptions{}), middleware.Recovery())
//
//	lg := middleware.LoggerFrom(c)
//	lg.Info().Str("sample_id", id).Msg("record appended")
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// RequestID reuses the incoming X-Request-ID or generates a UUIDv4, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID set by RequestID.
func RequestIDFrom(c *gin.Context) string {
	s, _ := ctxString(c, requestIDKey)
	return s
}

// Recovery turns a panic into a JSON 500 carrying the request ID. When the
// handler already started writing, the connection is only aborted.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the logger attached by RedactingLogger, or the global
// logger when none is attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}
