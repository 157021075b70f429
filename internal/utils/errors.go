// Package utils provides logging, structured errors and URL helpers
// shared by the runtime packages.
package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents predefined error codes for categorization
type ErrorCode string

const (
	// Network related errors
	ErrCodeNetworkTimeout     ErrorCode = "NETWORK_TIMEOUT"
	ErrCodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	ErrCodeConnectionReset    ErrorCode = "CONNECTION_RESET"
	ErrCodeTaskTimeout        ErrorCode = "TASK_TIMEOUT"

	// Configuration related errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Extraction related errors
	ErrCodeExtractionFailed ErrorCode = "EXTRACTION_FAILED"
	ErrCodeParsingError     ErrorCode = "PARSING_ERROR"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMalformedTarget  ErrorCode = "MALFORMED_TARGET"
	ErrCodeUpstreamError    ErrorCode = "UPSTREAM_ERROR"

	// Anti-detection related
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeCaptcha          ErrorCode = "CAPTCHA"
	ErrCodeDetectionBlocked ErrorCode = "DETECTION_BLOCKED"
	ErrCodeProxyFailed      ErrorCode = "PROXY_FAILED"
	ErrCodeProxyExhausted   ErrorCode = "PROXY_POOL_EXHAUSTED"
	ErrCodeBrowserFailed    ErrorCode = "BROWSER_FAILED"

	// System related errors
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeMemoryLimit       ErrorCode = "MEMORY_LIMIT"
	ErrCodeContextCanceled   ErrorCode = "CONTEXT_CANCELED"
	ErrCodeShutdown          ErrorCode = "SHUTDOWN"
	ErrCodeWorkerCrashed     ErrorCode = "WORKER_CRASHED"

	// Generic errors
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
)

// ErrorCategory groups codes by how the engine reacts to them.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryBlocking  ErrorCategory = "blocking"
	CategoryResource  ErrorCategory = "resource"
	CategoryPermanent ErrorCategory = "permanent"
	CategoryFatal     ErrorCategory = "fatal"
)

var codeCategories = map[ErrorCode]ErrorCategory{
	ErrCodeNetworkTimeout:     CategoryTransient,
	ErrCodeNetworkUnreachable: CategoryTransient,
	ErrCodeConnectionReset:    CategoryTransient,
	ErrCodeTaskTimeout:        CategoryTransient,
	ErrCodeUpstreamError:      CategoryTransient,
	ErrCodeProxyFailed:        CategoryTransient,
	ErrCodeBrowserFailed:      CategoryTransient,
	ErrCodeWorkerCrashed:      CategoryTransient,
	ErrCodeExtractionFailed:   CategoryTransient,

	ErrCodeRateLimited:      CategoryBlocking,
	ErrCodeCaptcha:          CategoryBlocking,
	ErrCodeDetectionBlocked: CategoryBlocking,

	ErrCodeResourceExhausted: CategoryResource,
	ErrCodeMemoryLimit:       CategoryResource,

	ErrCodeInvalidConfig:   CategoryPermanent,
	ErrCodeParsingError:    CategoryPermanent,
	ErrCodeNotFound:        CategoryPermanent,
	ErrCodeMalformedTarget: CategoryPermanent,
	ErrCodeValidation:      CategoryPermanent,
	ErrCodeInternal:        CategoryPermanent,

	ErrCodeProxyExhausted:  CategoryFatal,
	ErrCodeShutdown:        CategoryFatal,
	ErrCodeContextCanceled: CategoryFatal,
}

// Category returns the category a code belongs to. Unknown codes are transient.
func (c ErrorCode) Category() ErrorCategory {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}
	return CategoryTransient
}

// StructuredError provides rich error information for better debugging and handling
type StructuredError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel StructuredErrors work with errors.Is.
func (e *StructuredError) Is(target error) bool {
	var se *StructuredError
	if errors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// Category returns the category of the error's code.
func (e *StructuredError) Category() ErrorCategory {
	return e.Code.Category()
}

// ErrorBuilder provides a fluent interface for creating structured errors
type ErrorBuilder struct {
	error *StructuredError
}

// NewError creates a new error builder. Retryable defaults from the code's category.
func NewError(code ErrorCode, message string) *ErrorBuilder {
	cat := code.Category()
	return &ErrorBuilder{
		error: &StructuredError{
			Code:      code,
			Message:   message,
			Timestamp: time.Now(),
			Retryable: cat == CategoryTransient || cat == CategoryBlocking,
		},
	}
}

// WithCause sets the underlying cause
func (eb *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	eb.error.Cause = cause
	return eb
}

// WithContext adds contextual information
func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	if eb.error.Context == nil {
		eb.error.Context = make(map[string]interface{})
	}
	eb.error.Context[key] = value
	return eb
}

// WithRetryable overrides the retryable flag
func (eb *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	eb.error.Retryable = retryable
	return eb
}

// Build returns the constructed error
func (eb *ErrorBuilder) Build() *StructuredError {
	return eb.error
}

// Categorize decides how an arbitrary error should be treated by the retry policy.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Category()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case errors.Is(err, context.Canceled):
		return CategoryFatal
	}
	// Anything unrecognised (net.Error, *url.Error, resets) is treated as transient.
	return CategoryTransient
}

// IsRetryable reports whether the engine should schedule another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Retryable
	}
	cat := Categorize(err)
	return cat == CategoryTransient || cat == CategoryBlocking
}

// ClassifyNetworkError wraps a raw transport error with a structured code.
func ClassifyNetworkError(err error, target string) error {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return err
	}
	code := ErrCodeNetworkUnreachable
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		code = ErrCodeNetworkTimeout
	case errors.Is(err, syscall.ECONNRESET), strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		code = ErrCodeConnectionReset
	case errors.Is(err, context.Canceled):
		code = ErrCodeContextCanceled
	}
	return NewError(code, "request failed").WithCause(err).WithContext("url", target).Build()
}
