package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes
const (
	CodeInternal      = "INTERNAL_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeValidation    = "VALIDATION_ERROR"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeBadRequest    = "BAD_REQUEST"
	CodeUpstream      = "UPSTREAM_ERROR"
	CodeMissingConfig = "MISSING_CONFIG"
	CodeInterrupted   = "INTERRUPTED"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents an application error with context
type AppError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	StatusCode int               `json:"-"`
	Err        error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithError wraps an underlying error
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Internal creates an internal error
func Internal(message string) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Validation creates a validation error
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// RateLimited creates a rate limited error
func RateLimited() *AppError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

// Upstream creates an error for a failed call to a provider or the Maxim API
func Upstream(service string, statusCode int, message string) *AppError {
	return New(CodeUpstream, fmt.Sprintf("%s: %s", service, message), statusCode)
}

// MissingConfig creates an error naming the configuration keys that are not set
func MissingConfig(keys ...string) *AppError {
	return New(CodeMissingConfig,
		fmt.Sprintf("missing required configuration: %s", strings.Join(keys, ", ")),
		http.StatusBadRequest)
}

// Interrupted creates an error for execution halted pending human input
func Interrupted(message string) *AppError {
	return New(CodeInterrupted, message, http.StatusAccepted)
}

// Timeout creates a timeout error
func Timeout(message string) *AppError {
	return New(CodeTimeout, message, http.StatusGatewayTimeout)
}

// FromStatus maps an upstream HTTP status onto the matching AppError
func FromStatus(service string, statusCode int, message string) *AppError {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return New(CodeUnauthorized, fmt.Sprintf("%s: %s", service, message), statusCode)
	case statusCode == http.StatusNotFound:
		return New(CodeNotFound, fmt.Sprintf("%s: %s", service, message), statusCode)
	case statusCode == http.StatusTooManyRequests:
		return New(CodeRateLimited, fmt.Sprintf("%s: %s", service, message), statusCode)
	case statusCode >= 400 && statusCode < 500:
		return New(CodeBadRequest, fmt.Sprintf("%s: %s", service, message), statusCode)
	default:
		return Upstream(service, statusCode, message)
	}
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsAppError checks if the error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error if present
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func hasCode(err error, code string) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool { return hasCode(err, CodeUnauthorized) }

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool { return hasCode(err, CodeRateLimited) }

// IsMissingConfig checks if the error reports missing configuration
func IsMissingConfig(err error) bool { return hasCode(err, CodeMissingConfig) }

// IsInterrupted checks if the error is a human-in-the-loop interrupt
func IsInterrupted(err error) bool { return hasCode(err, CodeInterrupted) }

// IsRetryable reports whether an upstream failure may succeed when repeated
func IsRetryable(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return false
	}
	return appErr.Code == CodeRateLimited || (appErr.Code == CodeUpstream && appErr.StatusCode >= 500)
}
