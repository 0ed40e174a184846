// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments HTTP traffic for Prometheus. Labels are the Gin
// route template (never the raw URL, except for unmatched routes), the
// method and the status code. Request and response sizes are tracked
// separately because spreadsheet uploads and downloads dwarf the JSON calls.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var sizeBuckets = []float64{
	256, 1 << 10, 4 << 10, 16 << 10, 64 << 10, // 256B..64KiB (JSON)
	256 << 10, 1 << 20, 4 << 20, 16 << 20, // 256KiB..16MiB (spreadsheets)
}

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// Status is left out to keep the histogram small.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds.",
			// Submissions include two SFTP round trips.
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	httpReqSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "Size of HTTP request bodies in bytes, when known.",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpReqSize, httpRespSize)
}

// Metrics records count, latency, in-flight requests and body sizes.
// Mount promhttp.Handler() next to it to expose the registry.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if n := c.Request.ContentLength; n > 0 {
			httpReqSize.WithLabelValues(method, path).Observe(float64(n))
		}
		// Size is -1 when nothing was written.
		if n := c.Writer.Size(); n >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(n))
		}
	}
}
