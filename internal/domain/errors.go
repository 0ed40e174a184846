package domain

import "errors"

// Error taxonomy shared by the ledger, the record store, the sync gateway and
// the submission coordinator. Concrete failures wrap one of these sentinels
// (fmt.Errorf("%w: ...: %w", ErrStorage, err)) so callers branch with errors.Is.
var (
	// ErrConnection means a remote session could not be established. Callers
	// degrade to local-only operation and report a warning.
	ErrConnection = errors.New("remote connection failed")

	// ErrTransfer means a single download or upload failed. It never aborts a
	// submission.
	ErrTransfer = errors.New("file transfer failed")

	// ErrLockTimeout means exclusive access to a shared store could not be
	// obtained within the configured budget. The submission may be retried.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrStorage means a local read, write or parse failure. It aborts the
	// persistence step of the current submission only.
	ErrStorage = errors.New("storage failure")

	// ErrValidation means the record or request is missing something the core
	// manages itself (prefix, sample identifier).
	ErrValidation = errors.New("validation failed")
)
