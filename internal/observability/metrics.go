package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics for the intake core. Labels are fixed enums so cardinality
// stays bounded.
var (
	// submissionsTotal counts Submit/Retry calls by final outcome:
	// synced, persisted (upload incomplete), replayed, failed.
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_submissions_total",
			Help: "Submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// transfersTotal counts SFTP transfers by direction and result (ok|error).
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_transfers_total",
			Help: "Remote file transfers by direction and result.",
		},
		[]string{"direction", "result"},
	)

	// transferBytes records transferred file sizes.
	transferBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_transfer_size_bytes",
			Help:    "Size of successfully transferred files in bytes.",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 8), // 1KiB..16MiB
		},
		[]string{"direction"},
	)

	// lockWait records how long callers waited for an advisory file lock.
	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_lock_wait_seconds",
			Help:    "Time spent waiting for an advisory file lock.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
		[]string{"acquired"},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal, transfersTotal, transferBytes, lockWait)
}

// ObserveSubmission counts one submission outcome.
func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransfer counts one transfer and, on success, its size.
func ObserveTransfer(direction string, bytes int64, err error) {
	if err != nil {
		transfersTotal.WithLabelValues(direction, "error").Inc()
		return
	}
	transfersTotal.WithLabelValues(direction, "ok").Inc()
	transferBytes.WithLabelValues(direction).Observe(float64(bytes))
}

// ObserveLockWait matches the filelock observer signature.
func ObserveLockWait(_ string, waited time.Duration, acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	lockWait.WithLabelValues(label).Observe(waited.Seconds())
}
