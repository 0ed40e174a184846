package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSubmission_AndTransfer(t *testing.T) {
	baseSynced := testutil.ToFloat64(submissionsTotal.WithLabelValues("synced"))
	baseOK := testutil.ToFloat64(transfersTotal.WithLabelValues("upload", "ok"))
	baseErr := testutil.ToFloat64(transfersTotal.WithLabelValues("upload", "error"))

	ObserveSubmission("synced")
	ObserveTransfer("upload", 2048, nil)
	ObserveTransfer("upload", 0, errors.New("boom"))

	if got := testutil.ToFloat64(submissionsTotal.WithLabelValues("synced")); got != baseSynced+1 {
		t.Fatalf("synced = %v; want %v", got, baseSynced+1)
	}
	if got := testutil.ToFloat64(transfersTotal.WithLabelValues("upload", "ok")); got != baseOK+1 {
		t.Fatalf("upload ok = %v", got)
	}
	if got := testutil.ToFloat64(transfersTotal.WithLabelValues("upload", "error")); got != baseErr+1 {
		t.Fatalf("upload error = %v", got)
	}
}

func TestObserveLockWait(t *testing.T) {
	before := testutil.CollectAndCount(lockWait)
	ObserveLockWait("/tmp/x.lock", 30*time.Millisecond, true)
	ObserveLockWait("/tmp/x.lock", time.Second, false)
	if after := testutil.CollectAndCount(lockWait); after < before || after > 2 {
		t.Fatalf("lock wait series = %d (before %d)", after, before)
	}
}
