package followup

import (
	"errors"
	"fmt"

	"github.com/swaggest/usecase/status"
)

// SentinelError is an error.
type SentinelError string

const (
	// ErrExpiredCacheItem indicates expired cache entry.
	ErrExpiredCacheItem = SentinelError("expired cache item")

	// ErrCacheItemNotFound indicates missing cache entry.
	ErrCacheItemNotFound = SentinelError("missing cache item")

	// ErrNothingToInvalidate indicates no caches were added to Invalidator.
	ErrNothingToInvalidate = SentinelError("nothing to invalidate")

	// ErrAlreadyInvalidated indicates recent invalidation.
	ErrAlreadyInvalidated = SentinelError("already invalidated")

	// ErrMetadataUnavailable indicates the metadata version could not be read,
	// caches must be treated as untrusted until it can.
	ErrMetadataUnavailable = SentinelError("metadata unavailable")

	// ErrIncompleteActivityData indicates confirmed activity data is missing for a
	// part of the active entity set, classification must not run on it.
	ErrIncompleteActivityData = SentinelError("incomplete confirmed activity data")

	// ErrLedgerClosed indicates the optimistic ledger was disposed.
	ErrLedgerClosed = SentinelError("ledger is closed")

	// ErrRunnerClosed indicates the background runner was disposed.
	ErrRunnerClosed = SentinelError("runner is closed")

	// ErrNotInitialized indicates service use before Init.
	ErrNotInitialized = SentinelError("service is not initialized")
)

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}

// ErrorCode is a stable remote error taxonomy shared with the gateway.
type ErrorCode string

// Gateway error codes.
const (
	CodeConflict    = ErrorCode("conflict")
	CodeTimeout     = ErrorCode("timeout")
	CodeUnavailable = ErrorCode("unavailable")
	CodeValidation  = ErrorCode("validation")
	CodePermission  = ErrorCode("permission")
	CodeNotFound    = ErrorCode("not_found")
)

// GatewayError is a classified failure reported by the remote activity gateway.
type GatewayError struct {
	Code    ErrorCode
	Message string
}

// Error implements error.
func (e GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// Status maps the gateway taxonomy to use case status codes.
func (e GatewayError) Status() status.Code {
	switch e.Code {
	case CodeConflict:
		return status.AlreadyExists
	case CodeTimeout:
		return status.DeadlineExceeded
	case CodeUnavailable:
		return status.Unavailable
	case CodeValidation:
		return status.InvalidArgument
	case CodePermission:
		return status.PermissionDenied
	case CodeNotFound:
		return status.NotFound
	}

	return status.Unknown
}

// IsRetryable reports whether an error is worth another reconciliation attempt.
//
// Conflicts and transient network classes are retryable, validation and permission
// failures are terminal. Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	var ge GatewayError

	if errors.As(err, &ge) {
		switch ge.Code {
		case CodeConflict, CodeTimeout, CodeUnavailable:
			return true
		default:
			return false
		}
	}

	return true
}
