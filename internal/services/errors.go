// Package services implements the submission coordinator: the state machine
// that drives sync-down, identifier generation, persistence and sync-up.
//
// Errors from the core keep their domain sentinel (domain.ErrStorage,
// domain.ErrLockTimeout, ...) so handlers map them with errors.Is. The values
// below cover the cases that only exist at this layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/biobank-intake/internal/domain"
)

var (
	// ErrAttemptNotFound is returned by Retry when no live attempt exists for
	// the (session, key) pair.
	ErrAttemptNotFound = errors.New("submission attempt not found")

	// ErrAttemptConflict means another process registered the same
	// (session, key) pair while this one was generating an identifier.
	ErrAttemptConflict = errors.New("submission attempt already registered")

	// ErrUnknownFileKind is returned by PushFile for a kind other than
	// "records" or "ledger".
	ErrUnknownFileKind = fmt.Errorf("%w: unknown file kind", domain.ErrValidation)

	// ErrMissingSession is returned when a submission has no session id or key.
	ErrMissingSession = fmt.Errorf("%w: session id and submission key are required", domain.ErrValidation)
)
