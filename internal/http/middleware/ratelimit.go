// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds a process-local token-bucket limiter keyed by form session
// (falling back to client IP). Each submission pulls both mirrors over SFTP,
// so the limiter protects the remote server as much as this process.
// Replays of completed submissions are not limited.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorTTL      = 10 * time.Minute
	visitorGCPeriod = 5000 // lookups between sweeps
)

// keyFunc selects the bucket for a request.
type keyFunc func(*gin.Context) string

// KeyBySessionOrIP buckets requests by X-Session-ID when SubmissionIdentity
// accepted one, else by client IP.
func KeyBySessionOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s, ok := SessionID(c); ok {
			return "session:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Idle buckets are swept
// every visitorGCPeriod lookups. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
}

// NewRateLimiter returns a limiter refilling rps tokens per second with the
// given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      visitorTTL,
	}
}

// limiter returns the bucket for key. The sweep runs before the lookup so an
// expired bucket is replaced rather than refreshed.
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= visitorGCPeriod {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether SubmissionIdentity flagged the request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler rejects requests over the limit with 429 and a Retry-After hint
// derived from the refill rate.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	retryAfter := "1"
	if rl.rps > 0 && rl.rps < 1 {
		retryAfter = strconv.Itoa(int(1/float64(rl.rps) + 0.5))
	}
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.limiter(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
