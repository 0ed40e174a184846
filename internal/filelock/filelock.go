// Package filelock provides the cooperative, cross-process exclusive lock that
// guards the shared ledger and record files. It wraps gofrs/flock with a
// bounded acquisition timeout and maps an expired budget to
// domain.ErrLockTimeout so callers can tell "busy" apart from I/O failure.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/biobank-intake/internal/domain"
)

// DefaultRetryDelay is how often a blocked Acquire polls the lock.
const DefaultRetryDelay = 25 * time.Millisecond

// Lock is an advisory lock bound to one lock-file path.
//
// Every Acquire opens a fresh file handle: flock(2) locks belong to the open
// file description, so two goroutines of the same process exclude each other
// only when they hold separate handles.
type Lock struct {
	path       string
	timeout    time.Duration
	retryDelay time.Duration

	// observe, when set, receives the wait duration of every acquisition.
	observe func(path string, waited time.Duration, acquired bool)
}

// Option customizes a Lock.
type Option func(*Lock)

// WithRetryDelay overrides the polling interval.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithObserver installs a callback invoked after each acquisition attempt.
func WithObserver(fn func(path string, waited time.Duration, acquired bool)) Option {
	return func(l *Lock) { l.observe = fn }
}

// New returns a lock on path. A timeout <= 0 means "wait until ctx is done".
func New(path string, timeout time.Duration, opts ...Option) *Lock {
	l := &Lock{path: path, timeout: timeout, retryDelay: DefaultRetryDelay}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Timeout returns the configured acquisition budget.
func (l *Lock) Timeout() time.Duration { return l.timeout }

// Acquire blocks until the lock is held, the timeout elapses, or ctx is done.
// The returned release func must be called on every exit path; it is safe to
// call more than once.
//
// Errors:
//   - domain.ErrLockTimeout when the budget (or ctx deadline) expires.
//   - domain.ErrStorage when the lock file cannot be created or locked.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: lock dir %s: %w", domain.ErrStorage, dir, err)
		}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	fl := flock.New(l.path)
	start := time.Now()
	ok, err := fl.TryLockContext(ctx, l.retryDelay)
	waited := time.Since(start)
	if l.observe != nil {
		l.observe(l.path, waited, ok && err == nil)
	}

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, l.path, waited.Round(time.Millisecond))
	case err != nil:
		return nil, fmt.Errorf("%w: lock %s: %w", domain.ErrStorage, l.path, err)
	case !ok:
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, l.path, waited.Round(time.Millisecond))
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if uerr := fl.Unlock(); uerr != nil {
			log.Warn().Err(uerr).Str("lock", l.path).Msg("release advisory lock")
		}
	}, nil
}

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
