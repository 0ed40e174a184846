// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger of the API. Intake
// traffic carries patient data, so the logger never touches bodies and
// scrubs the query string and header values before they reach the log:
// UUIDs, email addresses, Spanish DNI/NIE numbers and phone numbers are
// replaced with placeholders and credential headers are masked.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxQueryLogLength = 2048

// RedactOptions adds headers to the built-in mask list (Authorization,
// Cookie, Set-Cookie). Matching is case-insensitive.
type RedactOptions struct {
	MaskHeaders []string
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	dniRE   = regexp.MustCompile(`(?i)\b[XYZ]?\d{7,8}[-\s]?[A-Z]\b`)
	phoneRE = regexp.MustCompile(`(?:\+\d{1,3}[ .-]?|\b)(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{3,4}\b`)
)

// redact scrubs s. UUIDs go first so the phone pattern never sees their
// digit groups, and DNIs before phones for the same reason.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	s = dniRE.ReplaceAllString(s, "[REDACTED:dni]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// RedactingLogger attaches a request-scoped logger (see LoggerFrom) and
// writes one access log line per request: info for 2xx/3xx, warn for 4xx,
// error for 5xx or when handlers recorded gin errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = redact(strings.Join(vv, ", "))
		}

		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}
		l := log.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", redact(c.Errors.String()))
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if s, ok := SessionID(c); ok {
			ev = ev.Str("session_id", s)
		}
		ev.
			Str("query", truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// truncate caps s at max bytes. A max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
