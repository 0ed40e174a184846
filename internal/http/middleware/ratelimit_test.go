package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyBySessionOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	if got := KeyBySessionOrIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("ip key = %q", got)
	}
	c.Set(ctxKeySessionID, "sess-1")
	if got := KeyBySessionOrIP()(c); got != "session:sess-1" {
		t.Fatalf("session key = %q", got)
	}
}

func TestRateLimiter_BucketReuseAndBurstCoercion(t *testing.T) {
	rl := NewRateLimiter(2, 0, KeyBySessionOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst = %d; want 1", rl.burst)
	}
	lim := rl.limiter("k1")
	if rl.limiter("k1") != lim {
		t.Fatalf("expected the same bucket for the same key")
	}
	if rl.limiter("k2") == lim {
		t.Fatalf("expected a new bucket for another key")
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyBySessionOrIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.lookups = visitorGCPeriod - 1
	rl.mu.Unlock()

	_ = rl.limiter("new")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["old"]; ok {
		t.Fatalf("idle bucket not swept")
	}
	if _, ok := rl.visitors["new"]; !ok {
		t.Fatalf("new bucket missing")
	}
	if rl.lookups != 0 {
		t.Fatalf("lookups = %d; want reset", rl.lookups)
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.25, 1, KeyBySessionOrIP())

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header(requestIDHeader, "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request = %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d; want 429", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("Retry-After = %q; want 4", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("body = %v", body)
	}

	// A replay skips the bucket entirely.
	rb := gin.New()
	rb.Use(func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	rb.Use(rl.Handler())
	rb.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w3 := httptest.NewRecorder()
	rb.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("bypass request = %d", w3.Code)
	}
}

func TestIsRateBypass_WrongType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if IsRateBypass(c) {
		t.Fatalf("default must be false")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("non-bool must read as false")
	}
}
