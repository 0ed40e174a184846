package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"":                                        "",
		"page=2":                                  "page=2",
		"mail=ana.perez+lab@hospital.es":          "mail=[REDACTED:email]",
		"dni=12345678Z":                           "dni=[REDACTED:dni]",
		"nie=X1234567L":                           "nie=[REDACTED:dni]",
		"tel=+34 600 123 456":                     "tel=[REDACTED:phone]",
		"s=123e4567-e89b-12d3-a456-426614174000": "s=[REDACTED:id]",
	}
	for in, want := range cases {
		if got := redact(in); got != want {
			t.Errorf("redact(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestRedactingLogger_InfoAndRedactions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.Use(SubmissionIdentity(SubmissionOptions{}, nil))
	r.GET("/records/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	q := "email=a.b@example.com&dni=12345678Z&sid=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/records/7?"+q, nil)
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Contact", "a@b.com 600 123 456")
	req.Header.Set(HeaderSessionID, "sess-1")
	req.Header.Set(requestIDHeader, "rid-1")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/records/:id"`,
		`"request_id":"rid-1"`,
		`"session_id":"sess-1"`,
		`[REDACTED:email]`,
		`[REDACTED:dni]`,
		`[REDACTED:id]`,
		`"Authorization":"[REDACTED]"`,
		`"Cookie":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Contact":"[REDACTED:email] [REDACTED:phone]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in:\n%s", want, logs)
		}
	}
	if strings.Contains(logs, "12345678Z") || strings.Contains(logs, "topsecret") {
		t.Fatalf("PII leaked:\n%s", logs)
	}
}

func TestRedactingLogger_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/gin-error", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	for _, p := range []string{"/warn", "/error", "/gin-error", "/missing"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		req.Header.Set(requestIDHeader, "rid"+p)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d log lines:\n%s", len(lines), buf.String())
	}
	wants := []string{`"level":"warn"`, `"level":"error"`, `"errors":"Error #01: boom`, `"path":"/missing"`}
	for i, want := range wants {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d missing %s: %s", i, want, lines[i])
		}
	}
	if !strings.Contains(lines[0], `"request_id":"rid/warn"`) {
		t.Fatalf("request id fallback not used: %s", lines[0])
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }
