package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the control plane.
type ErrorCode string

// Admission error codes
const (
	ErrBreakerOpen        ErrorCode = "BREAKER_OPEN"
	ErrRateExhausted      ErrorCode = "RATE_EXHAUSTED"
	ErrInteractionsPaused ErrorCode = "INTERACTIONS_PAUSED"
	ErrCancelled          ErrorCode = "CANCELLED"
)

// Interaction error codes
const (
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrCaptcha            ErrorCode = "CAPTCHA"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrBrowserUnavailable ErrorCode = "BROWSER_UNAVAILABLE"
)

// Infrastructure error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrPersistence        ErrorCode = "PERSISTENCE_FAILED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets the suggested wait before the caller tries again.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	if d > 0 {
		e.Retryable = true
	}
	return e
}

// WithAccount sets the account the error belongs to.
func (e *Error) WithAccount(accountID string) *Error {
	e.AccountID = accountID
	return e
}

// AsError extracts *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// RetryAfter extracts the suggested retry delay, zero when absent.
func RetryAfter(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}
