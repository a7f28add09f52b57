// Package errors provides structured error types for arkidoc.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrCategorySchema      ErrorCategory = "SCHEMA"
	ErrCategoryQuery       ErrorCategory = "QUERY"
	ErrCategoryEngine      ErrorCategory = "ENGINE"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategorySnapshot    ErrorCategory = "SNAPSHOT"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Transaction codes
	CodeTxAlreadyActive = "TX_ALREADY_ACTIVE"
	CodeTxNotActive     = "TX_NOT_ACTIVE"

	// Schema codes
	CodeColumnCreateFailed = "COLUMN_CREATE_FAILED"
	CodeTypePersistFailed  = "TYPE_PERSIST_FAILED"
	CodeIndexCreateFailed  = "INDEX_CREATE_FAILED"
	CodeIndexDropFailed    = "INDEX_DROP_FAILED"
	CodeBootstrapFailed    = "BOOTSTRAP_FAILED"

	// Query codes
	CodeExecFailed = "EXEC_FAILED"

	// Engine codes
	CodeTransient  = "TRANSIENT"
	CodeOpenFailed = "OPEN_FAILED"
	CodeClosed     = "DATABASE_CLOSED"

	// Validation codes
	CodeInvalidName  = "INVALID_NAME"
	CodeInvalidIndex = "INVALID_INDEX"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Snapshot codes
	CodeCorruptStream = "CORRUPT_STREAM"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// DocError is the structured error type used throughout the system.
type DocError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *DocError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *DocError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *DocError) Is(target error) bool {
	var t *DocError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new DocError.
func New(category ErrorCategory, code, message string) *DocError {
	return &DocError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new DocError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *DocError {
	return &DocError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DocError) WithDetails(details map[string]interface{}) *DocError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var de *DocError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a DocError.
func GetCategory(err error) ErrorCategory {
	var de *DocError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a DocError.
func GetCode(err error) string {
	var de *DocError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryEngine && code == CodeTransient:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewTransactionError(code, message string) *DocError {
	return New(ErrCategoryTransaction, code, message)
}

func NewSchemaError(code, message string, cause error) *DocError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewQueryError(code, message string, cause error) *DocError {
	return Wrap(ErrCategoryQuery, code, message, cause)
}

func NewEngineError(code, message string, cause error) *DocError {
	return Wrap(ErrCategoryEngine, code, message, cause)
}

func NewValidationError(code, message string) *DocError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *DocError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewSnapshotError(code, message string, cause error) *DocError {
	return Wrap(ErrCategorySnapshot, code, message, cause)
}

func NewInternalError(message string, cause error) *DocError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
