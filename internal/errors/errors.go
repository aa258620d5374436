// Package errors provides the structured error type used across spool.
// Every error carries a category, a code, a message and a retryable flag so
// that the engine, the control surfaces and the logs classify failures the
// same way.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkilian/spool/pkg/types"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryRemote     ErrorCategory = "REMOTE"
	ErrCategoryUpload     ErrorCategory = "UPLOAD"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

const (
	// Validation codes
	CodeZeroLength  = "ZERO_LENGTH"
	CodeInvalidRef  = "INVALID_REF"
	CodeDuplicateID = "DUPLICATE_ID"

	// Storage codes (local record store and cache)
	CodeIOFailure      = "IO_FAILURE"
	CodeCorruptRecord  = "CORRUPT_RECORD"
	CodeRecordNotFound = "RECORD_NOT_FOUND"

	// Remote codes
	CodeRemoteConflict = "REMOTE_CONFLICT"
	CodeRemoteNotFound = "REMOTE_NOT_FOUND"
	CodeNotAFolder     = "NOT_A_FOLDER"
	CodeTransferFailed = "TRANSFER_FAILED"

	// Upload codes
	CodeNoResultNode = "NO_RESULT_NODE"
	CodeCancelled    = "CANCELLED"
	CodeNotRunning   = "NOT_RUNNING"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SpoolError is the structured error type used throughout the system.
type SpoolError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]any
	Cause     error
	Retryable bool
}

func (e *SpoolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *SpoolError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code, so wrapped copies of a sentinel still match it.
func (e *SpoolError) Is(target error) bool {
	var t *SpoolError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SpoolError.
func New(category ErrorCategory, code, message string) *SpoolError {
	return &SpoolError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SpoolError wrapping cause.
func Wrap(category ErrorCategory, code, message string, cause error) *SpoolError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error carrying details.
func (e *SpoolError) WithDetails(details map[string]any) *SpoolError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SpoolError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory returns the category of the first SpoolError in the chain, or "".
func GetCategory(err error) ErrorCategory {
	var se *SpoolError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode returns the code of the first SpoolError in the chain, or "".
func GetCode(err error) string {
	var se *SpoolError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryRemote && code == CodeTransferFailed:
		return true
	case category == ErrCategoryUpload && code == CodeNoResultNode:
		return true
	case category == ErrCategoryInternal && code == CodeUnexpected:
		return true
	default:
		return false
	}
}

// ReasonFor maps an attempt error onto the failure reason reported to observers.
// Context cancellation maps to Cancelled; unknown errors map to Unexpected.
func ReasonFor(err error) types.FailReason {
	if errors.Is(err, context.Canceled) {
		return types.Cancelled
	}
	switch GetCode(err) {
	case CodeZeroLength:
		return types.ZeroLength
	case CodeNoResultNode:
		return types.NoResultNode
	case CodeRemoteNotFound, CodeNotAFolder:
		return types.NoFolderNode
	case CodeRemoteConflict:
		return types.Conflict
	case CodeCancelled:
		return types.Cancelled
	default:
		return types.Unexpected
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SpoolError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *SpoolError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewRemoteError(code, message string, cause error) *SpoolError {
	return Wrap(ErrCategoryRemote, code, message, cause)
}

func NewUploadError(code, message string) *SpoolError {
	return New(ErrCategoryUpload, code, message)
}

func NewInternalError(message string, cause error) *SpoolError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
