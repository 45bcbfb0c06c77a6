// Package fferrors provides structured error types for the FilenFoto core.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package fferrors

import (
	"errors"
	"fmt"
)

// Category classifies errors by system component.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryDatabase   Category = "DATABASE"
	CategoryStorage    Category = "STORAGE"
	CategorySync       Category = "SYNC"
	CategoryPermission Category = "PERMISSION"
	CategoryInternal   Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidFile     = "INVALID_FILE"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// Database codes
	CodeAssetNotFound = "ASSET_NOT_FOUND"
	CodeAssetExists   = "ASSET_EXISTS"
	CodeQueryFailed   = "QUERY_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeHashMismatch   = "HASH_MISMATCH"
	CodeDeleteFailed   = "DELETE_FAILED"

	// Sync codes
	CodeResourceStateInvalid = "RESOURCE_STATE_INVALID"
	CodeRemoteIDMissing      = "REMOTE_ID_MISSING"

	// Permission codes
	CodeLibraryAccessDenied = "LIBRARY_ACCESS_DENIED"
	CodeMissingCredentials  = "MISSING_CREDENTIALS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// FotoError is the structured error type used throughout the system.
type FotoError struct {
	Category  Category
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *FotoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *FotoError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *FotoError) Is(target error) bool {
	var t *FotoError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new FotoError.
func New(category Category, code, message string) *FotoError {
	return &FotoError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new FotoError wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *FotoError {
	return &FotoError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Retryable here means "eligible for the next full sync pass", never an
// in-process retry loop.
func IsRetryable(err error) bool {
	var fe *FotoError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a FotoError.
func GetCategory(err error) Category {
	var fe *FotoError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a FotoError.
func GetCode(err error) string {
	var fe *FotoError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable on a later sync pass.
func isRetryable(category Category, code string) bool {
	switch {
	case category == CategoryStorage && code == CodeUploadFailed:
		return true
	case category == CategoryStorage && code == CodeDownloadFailed:
		return true
	case category == CategoryStorage && code == CodeDeleteFailed:
		return true
	case category == CategoryStorage && code == CodeHashMismatch:
		return true
	case category == CategorySync && code == CodeResourceStateInvalid:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *FotoError {
	return New(CategoryValidation, code, message)
}

func NewDatabaseError(code, message string, cause error) *FotoError {
	return Wrap(CategoryDatabase, code, message, cause)
}

func NewStorageError(code, message string, cause error) *FotoError {
	return Wrap(CategoryStorage, code, message, cause)
}

func NewSyncError(code, message string, cause error) *FotoError {
	return Wrap(CategorySync, code, message, cause)
}

func NewPermissionError(code, message string) *FotoError {
	return New(CategoryPermission, code, message)
}

func NewInternalError(message string, cause error) *FotoError {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
