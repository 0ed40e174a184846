// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by every endpoint: the error
// envelope, the mapping of core errors onto it, and the success writers.
//
// Conventions:
//   - Every error body is an ErrorResponse with a stable code from errors.go.
//   - failErr classifies core errors; a lock timeout becomes 503 with
//     Retry-After so clients back off and resubmit with the same key.
//   - 5xx responses are logged through the request-scoped logger.
//   - Details carries what a client needs to resume, such as the sample
//     identifier kept for a later retry.
//
// Example error response:
//
//	HTTP/1.1 503 Service Unavailable
//	Retry-After: 5
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "lock_timeout",
//	  "message": "lock acquisition timed out"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/biobank-intake/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"lock_timeout"`
	// Human-readable message
	Message string `json:"message" example:"lock acquisition timed out"`
	// Details carries partial results, e.g. the identifier kept for retry.
	Details any `json:"details,omitempty"`
}

// fail aborts the request with a structured error. Server errors are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	failWith(c, status, code, msg, nil)
}

func failWith(c *gin.Context, status int, code, msg string, details any) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
		Details:   details,
	})
}

// failErr maps err through classify. A lock timeout adds Retry-After.
func failErr(c *gin.Context, err error, details any) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", lockRetryAfter)
	}
	failWith(c, status, code, err.Error(), details)
}

// Fail is the exported variant of fail, used by the router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
