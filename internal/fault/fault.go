package fault

import (
	"errors"
	"fmt"
)

// Code identifies a pipeline failure class. Component-internal errors are
// classified into one of these codes at the boundary of each public
// operation; callers never see raw low-level detail.
type Code string

const (
	CodeInvalidSize          Code = "INVALID_SIZE"
	CodeInvalidInputDuration Code = "INVALID_INPUT_DURATION"
	CodeRangeConflict        Code = "RANGE_CONFLICT"
	CodeChecksumMismatch     Code = "CHECKSUM_MISMATCH"
	CodeIncomplete           Code = "INCOMPLETE"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeNotReady             Code = "NOT_READY"
	CodeNotCompleted         Code = "NOT_COMPLETED"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeMergeError           Code = "MERGE_ERROR"
	CodeStorageError         Code = "STORAGE_ERROR"
	CodeAnalysisError        Code = "ANALYSIS_ERROR"
)

// Error pairs a taxonomy code with a human-readable message. The wrapped
// cause is kept for logging but is not rendered across the API boundary.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New constructs a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, or empty string when the
// error was never classified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// MessageOf returns the user-facing message for a classified error and a
// generic fallback otherwise, so unclassified detail never leaks upward.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// Retryable reports whether the code names a transient infrastructure
// failure that the scheduler may retry with backoff.
func Retryable(code Code) bool {
	return code == CodeMergeError || code == CodeStorageError
}
