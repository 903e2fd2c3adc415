// Package outboxerr holds the typed error taxonomy (section 7 of the
// spec) shared by every internal package. It lives below the root
// package so internal/store, internal/storepg, internal/coordinator,
// internal/scheduler, and internal/lifecycle can all construct and
// inspect these errors without importing the root outbox package (which
// imports them back).
package outboxerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, mirroring the error taxonomy
// the core relies on to decide whether to log-and-continue, retry, or
// surface a record as FAILED.
type Kind int

const (
	// KindTransientStorage covers a database that is unreachable, a
	// deadlock, or a serialization failure. The coordinator and scheduler
	// log it at debug and retry on the next tick.
	KindTransientStorage Kind = iota
	// KindOptimisticConflict is an expected saveAll race during rebalance.
	// Never surfaced beyond a debug log; the next cycle converges.
	KindOptimisticConflict
	// KindIntegrityViolation is a primary-key conflict on bootstrap or
	// insert, meaning another instance got there first.
	KindIntegrityViolation
	// KindHandler wraps any error returned by a user-registered handler.
	KindHandler
	// KindConfiguration covers invalid retry config, an unknown policy
	// name, or a missing handler for a handlerId.
	KindConfiguration
	// KindShutdownCanceled marks handler execution aborted by graceful
	// shutdown; the record is left untouched and is retried by whichever
	// instance next claims its partition.
	KindShutdownCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransientStorage:
		return "TransientStorageError"
	case KindOptimisticConflict:
		return "OptimisticConflict"
	case KindIntegrityViolation:
		return "IntegrityViolation"
	case KindHandler:
		return "HandlerError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindShutdownCanceled:
		return "ShutdownCanceled"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned by store, coordinator, and
// scheduler operations. Callers should use errors.As to recover a *Error
// and inspect its Kind rather than comparing strings.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// TransientStorage wraps a database-layer error.
func TransientStorage(msg string, cause error) *Error {
	return newErr(KindTransientStorage, msg, cause)
}

// OptimisticConflict reports a failed version check during saveAll.
func OptimisticConflict(msg string) *Error {
	return newErr(KindOptimisticConflict, msg, nil)
}

// IntegrityViolation reports a primary-key conflict on insert.
func IntegrityViolation(msg string, cause error) *Error {
	return newErr(KindIntegrityViolation, msg, cause)
}

// HandlerFailure wraps the error a user handler returned.
func HandlerFailure(handlerID string, cause error) *Error {
	return newErr(KindHandler, "handler "+handlerID+" failed", cause)
}

// Configuration reports an invalid configuration value or missing handler.
func Configuration(msg string, cause error) *Error {
	return newErr(KindConfiguration, msg, cause)
}

// ShutdownCanceled reports a handler invocation aborted by shutdown.
func ShutdownCanceled(msg string) *Error {
	return newErr(KindShutdownCanceled, msg, nil)
}

// IsKind reports whether err is an *Error (directly or via wrapping) of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
