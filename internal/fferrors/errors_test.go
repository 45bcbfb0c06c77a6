package fferrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestFotoError_Error(t *testing.T) {
	err := New(CategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestFotoError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestFotoError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(CategorySync, CodeResourceStateInvalid, "reset", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestFotoError_Is(t *testing.T) {
	err1 := New(CategoryStorage, CodeUploadFailed, "first")
	err2 := New(CategoryStorage, CodeUploadFailed, "second")
	err3 := New(CategoryStorage, CodeDownloadFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  Category
		code      string
		retryable bool
	}{
		{CategoryStorage, CodeUploadFailed, true},
		{CategoryStorage, CodeDownloadFailed, true},
		{CategoryStorage, CodeHashMismatch, true},
		{CategoryStorage, CodeObjectNotFound, false},
		{CategorySync, CodeResourceStateInvalid, true},
		{CategoryPermission, CodeLibraryAccessDenied, false},
		{CategoryPermission, CodeMissingCredentials, false},
		{CategoryValidation, CodeInvalidFile, false},
		{CategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("IsRetryable(%s:%s) = %v, want %v", tt.category, tt.code, got, tt.retryable)
		}
	}
}

func TestIsRetryable_NonFotoError(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CategoryDatabase, CodeQueryFailed, "bad query"))
	if got := GetCategory(err); got != CategoryDatabase {
		t.Errorf("GetCategory = %q, want %q", got, CategoryDatabase)
	}
	if got := GetCode(err); got != CodeQueryFailed {
		t.Errorf("GetCode = %q, want %q", got, CodeQueryFailed)
	}
	if got := GetCategory(fmt.Errorf("plain")); got != "" {
		t.Errorf("GetCategory(plain) = %q, want empty", got)
	}
}
