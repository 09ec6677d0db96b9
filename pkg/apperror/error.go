package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error is a coded application error. Code classifies the failure for
// pipeline handling and metrics; HTTPStatus is used when it reaches the admin API.
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches any *Error carrying the same code, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ToEchoError converts the app error to an echo.HTTPError
func (e *Error) ToEchoError() *echo.HTTPError {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return echo.NewHTTPError(e.HTTPStatus, map[string]any{
		"error": errBody,
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Error codes used across the coordinator.
const (
	CodeMalformedMessage        = "malformed_message"
	CodeCollaboratorUnavailable = "collaborator_unavailable"
	CodeCapacityExceeded        = "capacity_exceeded"
	CodeAdmissionDeferred       = "admission_deferred"
	CodeInterruptedShutdown     = "interrupted_shutdown"
	CodeNotFound                = "not_found"
	CodeInternal                = "internal_error"
)

var (
	ErrMalformedMessage        = New(http.StatusBadRequest, CodeMalformedMessage, "Message could not be decoded")
	ErrCollaboratorUnavailable = New(http.StatusServiceUnavailable, CodeCollaboratorUnavailable, "External collaborator unavailable")
	ErrCapacityExceeded        = New(http.StatusTooManyRequests, CodeCapacityExceeded, "Worker fleet is at capacity")
	ErrAdmissionDeferred       = New(http.StatusServiceUnavailable, CodeAdmissionDeferred, "Admission deferred under memory pressure")
	ErrInterruptedShutdown     = New(http.StatusServiceUnavailable, CodeInterruptedShutdown, "Shutdown interrupted before drain completed")

	ErrNotFound = New(http.StatusNotFound, CodeNotFound, "Resource not found")
	ErrInternal = New(http.StatusInternalServerError, CodeInternal, "An internal error occurred")
)

// NewUnavailable wraps a collaborator failure.
func NewUnavailable(op string, err error) *Error {
	return ErrCollaboratorUnavailable.WithMessage(op + " failed").WithInternal(err)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ToHTTPError converts an app error to an HTTP-friendly format
func ToHTTPError(err error) (int, map[string]any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		errBody := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if len(appErr.Details) > 0 {
			errBody["details"] = appErr.Details
		}
		return appErr.HTTPStatus, map[string]any{
			"error": errBody,
		}
	}

	return http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    CodeInternal,
			"message": "An internal error occurred",
		},
	}
}
