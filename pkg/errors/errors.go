package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies application errors
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeTransient    ErrorCode = "TRANSIENT"
	ErrCodeMedia        ErrorCode = "MEDIA_ERROR"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and cause
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewTransientError(message string, httpStatus int) *AppError {
	return NewAppError(ErrCodeTransient, message, httpStatus)
}

func NewMediaError(message string) *AppError {
	return NewAppError(ErrCodeMedia, message, 0)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromStatus classifies a non-success HTTP status into an AppError
func FromStatus(status int, message string) *AppError {
	switch {
	case status == http.StatusUnauthorized:
		return NewAppError(ErrCodeUnauthorized, message, status)
	case status == http.StatusForbidden:
		return NewAppError(ErrCodeForbidden, message, status)
	case status == http.StatusNotFound:
		return NewAppError(ErrCodeNotFound, message, status)
	case status >= 500:
		return NewAppError(ErrCodeTransient, message, status)
	default:
		return NewAppError(ErrCodeInvalidInput, message, status)
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsAuthError reports whether the error chain carries an
// authorization-failure marker (expired or invalid credentials).
func IsAuthError(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return false
	}
	return appErr.Code == ErrCodeUnauthorized || appErr.Code == ErrCodeForbidden
}

// IsTransient reports whether the error chain is a retryable
// network or server failure. Unclassified transport errors count
// as transient.
func IsTransient(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return err != nil
	}
	return appErr.Code == ErrCodeTransient
}
