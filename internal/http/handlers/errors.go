// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are stable, lowercase snake_case strings that clients branch on. Every
// error response carries one of them next to the HTTP status:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "lock_timeout",
//	  "message": "lock acquisition timed out: ..."
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Domain-specific:
	ErrCodeValidation    = "validation_failed"
	ErrCodeLockTimeout   = "lock_timeout"
	ErrCodeStorage       = "storage_failed"
	ErrCodeRemote        = "remote_unavailable"
	ErrCodeNoAttempt     = "attempt_not_found"
	ErrCodeEmptyDocument = "empty_document"
)

// lockRetryAfter is the Retry-After hint, in seconds, sent with a lock
// timeout.
const lockRetryAfter = "5"

// classify maps a core error to its HTTP status and code. Remote errors only
// surface here from operations where the transfer is the whole point.
func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, services.ErrAttemptNotFound):
		return http.StatusNotFound, ErrCodeNoAttempt
	case errors.Is(err, services.ErrAttemptConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable, ErrCodeLockTimeout
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrTransfer):
		return http.StatusBadGateway, ErrCodeRemote
	case errors.Is(err, domain.ErrStorage):
		return http.StatusInternalServerError, ErrCodeStorage
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
