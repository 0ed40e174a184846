// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the headers that identify a submission attempt.
// X-Session-ID names the form session and Idempotency-Key names one logical
// submission within it; together they are the memoization key of the
// coordinator. When the pair already maps to a completed attempt the request
// is marked as a replay so the rate limiter lets it through.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// Submission identity headers.
const (
	HeaderSessionID      = "X-Session-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	ctxKeySessionID  = "submission.session"
	ctxKeySubmission = "submission.key"
	ctxKeyReplay     = "submission.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// SessionID returns the validated X-Session-ID, if any.
func SessionID(c *gin.Context) (string, bool) {
	return ctxString(c, ctxKeySessionID)
}

// SubmissionKey returns the validated submission key, taken from the :key
// path parameter when the route has one and from Idempotency-Key otherwise.
func SubmissionKey(c *gin.Context) (string, bool) {
	return ctxString(c, ctxKeySubmission)
}

// IsReplay reports whether the request targets an attempt that already
// completed.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// SubmissionOptions configures SubmissionIdentity.
type SubmissionOptions struct {
	// MaxLen caps both header values. Values <= 0 default to 128.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// AttemptLookup reports whether (sessionID, key) maps to a live attempt
// whose record was already appended.
type AttemptLookup func(ctx context.Context, sessionID, key string, now time.Time) (done bool, err error)

// SubmissionIdentity validates X-Session-ID and Idempotency-Key when present
// and stashes them in the Gin context. Malformed values are rejected with 400.
// Lookup errors are ignored; the handler sees them again.
func SubmissionIdentity(opts SubmissionOptions, lookup AttemptLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 128
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}
	valid := func(s string) bool { return len(s) <= maxLen && pat.MatchString(s) }

	return func(c *gin.Context) {
		session := c.GetHeader(HeaderSessionID)
		// A :key path parameter names the attempt being addressed and wins
		// over the header.
		key := c.Param("key")
		if key == "" {
			key = c.GetHeader(HeaderIdempotencyKey)
		}

		if session != "" {
			if !valid(session) {
				reject(c, "invalid "+HeaderSessionID)
				return
			}
			c.Set(ctxKeySessionID, session)
		}
		if key != "" {
			if !valid(key) {
				reject(c, "invalid "+HeaderIdempotencyKey)
				return
			}
			c.Set(ctxKeySubmission, key)
		}

		if lookup != nil && session != "" && key != "" {
			if done, _ := lookup(c.Request.Context(), session, key, time.Now().UTC()); done {
				c.Set(ctxKeyReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

func reject(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "bad_submission_identity",
		"message":    msg,
	})
}

func ctxString(c *gin.Context, key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}
