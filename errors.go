package outbox

import "github.com/namastack/outbox-go/internal/outboxerr"

// Kind classifies why an operation failed. See internal/outboxerr for the
// full documentation of each value; it is aliased here so callers never
// need to import an internal package to handle errors returned by this
// module's public API.
type Kind = outboxerr.Kind

const (
	KindTransientStorage   = outboxerr.KindTransientStorage
	KindOptimisticConflict = outboxerr.KindOptimisticConflict
	KindIntegrityViolation = outboxerr.KindIntegrityViolation
	KindHandler            = outboxerr.KindHandler
	KindConfiguration      = outboxerr.KindConfiguration
	KindShutdownCanceled   = outboxerr.KindShutdownCanceled
)

// Error is the concrete error type returned by this module's operations.
// Use errors.As to recover one and inspect its Kind.
type Error = outboxerr.Error

// IsKind reports whether err is an *Error (directly or via wrapping) of
// the given kind.
func IsKind(err error, kind Kind) bool { return outboxerr.IsKind(err, kind) }

// TransientStorage wraps a database-layer error (section 7).
func TransientStorage(msg string, cause error) *Error { return outboxerr.TransientStorage(msg, cause) }

// OptimisticConflict reports a failed version check during saveAll.
func OptimisticConflict(msg string) *Error { return outboxerr.OptimisticConflict(msg) }

// IntegrityViolation reports a primary-key conflict on insert.
func IntegrityViolation(msg string, cause error) *Error {
	return outboxerr.IntegrityViolation(msg, cause)
}

// HandlerFailure wraps the error a user handler returned.
func HandlerFailure(handlerID string, cause error) *Error {
	return outboxerr.HandlerFailure(handlerID, cause)
}

// Configuration reports an invalid configuration value or missing handler.
func Configuration(msg string, cause error) *Error { return outboxerr.Configuration(msg, cause) }

// ShutdownCanceled reports a handler invocation aborted by graceful shutdown.
func ShutdownCanceled(msg string) *Error { return outboxerr.ShutdownCanceled(msg) }
