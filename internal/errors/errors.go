// Package errors provides structured error types for chronostat.
// All errors include a category, code, message, and retryable flag so the
// transports can map them consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation      ErrorCategory = "VALIDATION"
	ErrCategoryStore           ErrorCategory = "STORE"
	ErrCategoryMaterialization ErrorCategory = "MATERIALIZATION"
	ErrCategoryInternal        ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidFormat   = "INVALID_FORMAT"
	CodeRangeInverted   = "RANGE_INVERTED"
	CodeRangeTooShort   = "RANGE_TOO_SHORT"
	CodeRangeTooLong    = "RANGE_TOO_LONG"
	CodeRangeMisaligned = "RANGE_MISALIGNED"
	CodeDataUnavailable = "DATA_UNAVAILABLE"
	CodeFutureRange     = "FUTURE_RANGE"

	// Store codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"

	// Materialization codes
	CodePartialMaterialization = "PARTIAL_MATERIALIZATION"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StatError is the structured error type used throughout the system.
type StatError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StatError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StatError) Is(target error) bool {
	var t *StatError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StatError.
func New(category ErrorCategory, code, message string) *StatError {
	return &StatError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StatError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StatError {
	return &StatError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StatError) WithDetails(details map[string]interface{}) *StatError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StatError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StatError.
func GetCategory(err error) ErrorCategory {
	var se *StatError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StatError.
func GetCode(err error) string {
	var se *StatError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain.
func GetDetails(err error) map[string]interface{} {
	var se *StatError
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

// isRetryable marks store outages as retryable for callers. Nothing inside
// chronostat retries; the flag only informs the collaborator's own policy.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStore && code == CodeStoreUnavailable
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *StatError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(message string, cause error) *StatError {
	return Wrap(ErrCategoryStore, CodeStoreUnavailable, message, cause)
}

func NewPartialMaterializationError(message string, details map[string]interface{}) *StatError {
	return New(ErrCategoryMaterialization, CodePartialMaterialization, message).WithDetails(details)
}

func NewInternalError(message string, cause error) *StatError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinels for errors.Is matching by category and code.
var (
	ErrInvalidFormat          = New(ErrCategoryValidation, CodeInvalidFormat, "invalid format")
	ErrRangeInverted          = New(ErrCategoryValidation, CodeRangeInverted, "range inverted")
	ErrRangeTooShort          = New(ErrCategoryValidation, CodeRangeTooShort, "range too short")
	ErrRangeTooLong           = New(ErrCategoryValidation, CodeRangeTooLong, "range too long")
	ErrRangeMisaligned        = New(ErrCategoryValidation, CodeRangeMisaligned, "range misaligned")
	ErrDataUnavailable        = New(ErrCategoryValidation, CodeDataUnavailable, "data unavailable")
	ErrFutureRange            = New(ErrCategoryValidation, CodeFutureRange, "future range")
	ErrStoreUnavailable       = New(ErrCategoryStore, CodeStoreUnavailable, "store unavailable")
	ErrPartialMaterialization = New(ErrCategoryMaterialization, CodePartialMaterialization, "partial materialization")
)
