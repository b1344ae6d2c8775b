package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when enqueueing a batch with no records.
	ErrEmptyPayload = errors.New("payload must contain at least one record")

	// ErrNotFound is returned by lookups for an entry id that is not queued.
	ErrNotFound = errors.New("entry not found")

	// ErrNotFailed is returned when a manual retry targets an entry that is
	// still flowing through automatic retries.
	ErrNotFailed = errors.New("entry has not failed")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// SubmitError is a classified failure returned by a remote submit function.
//
// Remote adapters wrap their transport errors in a SubmitError so the retry
// policy can tell a collision apart from a dropped connection. Errors that
// are not SubmitErrors are treated as transient.
type SubmitError struct {
	Kind FailureKind
	Err  error

	// StatusCode is the remote status, when the transport has one.
	StatusCode int
}

// Error returns the underlying message.
func (e *SubmitError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *SubmitError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(err error) error {
	return &SubmitError{Kind: KindTransient, Err: err}
}

// NewConflictError wraps err as a conflict.
func NewConflictError(err error) error {
	return &SubmitError{Kind: KindConflict, Err: err}
}

// NewValidationError wraps err as a payload rejection.
func NewValidationError(err error) error {
	return &SubmitError{Kind: KindValidation, Err: err}
}

// Conflictf builds a conflict error from a format string.
func Conflictf(format string, args ...any) error {
	return NewConflictError(fmt.Errorf(format, args...))
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return NewValidationError(fmt.Errorf(format, args...))
}

// Classify maps a submit error onto a failure kind.
// Timeouts, cancellations and unclassified errors are transient.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var se *SubmitError
	if errors.As(err, &se) {
		switch se.Kind {
		case KindConflict, KindValidation:
			return se.Kind
		default:
			return KindTransient
		}
	}
	return KindTransient
}

// IsConflict reports whether err classifies as a conflict.
func IsConflict(err error) bool {
	return Classify(err) == KindConflict
}

// IsValidation reports whether err classifies as a validation failure.
func IsValidation(err error) bool {
	return Classify(err) == KindValidation
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
