// Package httpapi wires the HTTP transport (Gin) to the intake core,
// middleware and route handlers. Cross-cutting concerns live here: tracing,
// correlation IDs, redacted logging, panic recovery, metrics, submission
// identity, rate limiting, CORS, security headers and compression.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/config"
	"github.com/tbourn/biobank-intake/internal/http/handlers"
	"github.com/tbourn/biobank-intake/internal/http/middleware"
	"github.com/tbourn/biobank-intake/internal/repo"
)

// Deps are the collaborators the routes are bound to.
type Deps struct {
	Service handlers.Coordinator
	Records handlers.RecordReader
	Ledger  handlers.LedgerReader
	DB      *gorm.DB
}

// RegisterRoutes attaches all middleware and endpoints to r and mounts the
// public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery (after the logger so panics are logged with the request id)
//  5. Body size limiter
//  6. Metrics
//  7. Submission identity (before the limiter so replays bypass it)
//  8. Rate limiter (per session or IP)
//  9. CORS, security headers and gzip
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(cfg.MaxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.SubmissionIdentity(middleware.SubmissionOptions{}, attemptLookup(deps.DB)))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySessionOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(deps.Service, deps.Records, deps.Ledger, deps.DB)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Submissions
		api.POST("/submissions", h.Submit)
		api.POST("/submissions/:key/retry", h.Retry)

		// Mirrors
		api.GET("/records", h.ListRecords)
		api.GET("/identifiers/last", h.LastIdentifier)
		api.GET("/files/:kind", h.DownloadFile)
		api.PUT("/files/:kind", h.UploadFile)

		// Sync
		api.POST("/sync/pull", h.Pull)
		api.POST("/sync/push", h.Push)
		api.GET("/sync/events", h.ListSyncEvents)
		api.GET("/stats", h.Stats)
	}
}

// attemptLookup reports whether a live attempt already reached the record
// table. Any lookup failure counts as "not done".
func attemptLookup(db *gorm.DB) middleware.AttemptLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, sessionID, key string, now time.Time) (bool, error) {
		att, err := repo.GetAttempt(ctx, db, sessionID, key, now)
		if err != nil || att == nil {
			return false, err
		}
		return att.Done(), nil
	}
}

func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "If-None-Match", middleware.HeaderSessionID, middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Retry-After", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// ACAO: * even without an Origin header, so health checks see it.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies at maxBytes. Oversized bodies make the
// downstream read fail with *http.MaxBytesError.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
