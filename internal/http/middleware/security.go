// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file sets the response hardening headers. Responses of this API may
// carry questionnaire data, so NoStore disables caching; routes that answer
// conditional requests opt back into revalidation with AllowCache.
//
// Always sent:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//
// Design notes:
//   - HSTS is only emitted on HTTPS, detected from r.TLS or X-Forwarded-Proto.
//   - When RequestID ran first, X-Request-ID is added to
//     Access-Control-Expose-Headers so browser clients can read it.
//
// Usage:
//
//	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
//		EnableHSTS:   cfg.Security.EnableHSTS,
//		NoStore:      true,
//		EnablePolicy: true,
//	}))
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// NoStore adds Cache-Control: no-store with the legacy Pragma/Expires.
	NoStore bool
	// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
	EnablePolicy bool
}

// AllowCache replaces the no-store headers with private revalidation so an
// ETag can be honored. Call it before writing the response.
func AllowCache(c *gin.Context) {
	h := c.Writer.Header()
	h.Del("Pragma")
	h.Del("Expires")
	h.Set("Cache-Control", "private, no-cache")
}

// SecurityHeaders sets nosniff, frame denial and referrer suppression on
// every response, plus the optional policies configured in opt.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		if rid := h.Get(requestIDHeader); rid != "" {
			const expose = "Access-Control-Expose-Headers"
			switch cur := h.Get(expose); {
			case cur == "":
				h.Set(expose, requestIDHeader)
			case !strings.Contains(cur, requestIDHeader):
				h.Set(expose, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS, directly or through
// a proxy setting X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
