package httpx

import (
	"fmt"
	"net/http"
)

// Business error codes
const (
	CodeSuccess = 0

	// Authentication errors (1000-1099)
	CodeUnauthorized = 1001 // Token missing
	CodeInvalidToken = 1002 // Token invalid
	CodeTokenExpired = 1003 // Token expired

	// Parameter errors (2000-2099)
	CodeParamMissing   = 2001
	CodeParamInvalid   = 2002
	CodeMalformedEvent = 2004 // Agent event cannot be decoded

	// Resource errors (3000-3999)
	CodeNotFound      = 3001
	CodeStateConflict = 3003 // Task phase does not allow the operation
	CodeTaskClosed    = 3004 // Task no longer accepts events

	// System errors (5000-5999)
	CodeInternalError = 5001
	CodeStorageError  = 5002 // Redis or MySQL failure
)

// AppError is an error with an HTTP status and a business code
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	// Err is logged, never returned to the client
	Err error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code=%d, message=%s, err=%v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(httpStatus, code int, message string, err error) *AppError {
	return &AppError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

func orDefault(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

// ErrUnauthorized creates a 401 error for a missing credential
func ErrUnauthorized(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, CodeUnauthorized, orDefault(message, "unauthorized"), nil)
}

// ErrInvalidToken creates a 401 error for a rejected credential
func ErrInvalidToken(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, CodeInvalidToken, orDefault(message, "invalid token"), nil)
}

// ErrTokenExpired creates a 401 error for an expired credential
func ErrTokenExpired(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, CodeTokenExpired, orDefault(message, "token expired"), nil)
}

// ErrParamMissing creates a 400 error
func ErrParamMissing(message string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeParamMissing, orDefault(message, "parameter missing"), nil)
}

// ErrParamInvalid creates a 400 error
func ErrParamInvalid(message string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeParamInvalid, orDefault(message, "parameter format error"), nil)
}

// ErrMalformedEvent creates a 400 error for an undecodable agent event
func ErrMalformedEvent(message string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeMalformedEvent, orDefault(message, "malformed event"), nil)
}

// ErrNotFound creates a 404 error
func ErrNotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, orDefault(message, "resource not found"), nil)
}

// ErrStateConflict creates a 409 error
func ErrStateConflict(message string) *AppError {
	return NewAppError(http.StatusConflict, CodeStateConflict, orDefault(message, "current state does not allow operation"), nil)
}

// ErrTaskClosed creates a 409 error for events sent to a finished task
func ErrTaskClosed(message string) *AppError {
	return NewAppError(http.StatusConflict, CodeTaskClosed, orDefault(message, "task no longer accepts events"), nil)
}

// ErrInternalError creates a 500 error
func ErrInternalError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternalError, orDefault(message, "internal error"), err)
}

// ErrStorageError creates a 503 error for an unavailable backend
func ErrStorageError(message string, err error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, CodeStorageError, orDefault(message, "storage unavailable"), err)
}
