package model

import (
	"errors"
	"net/http"
)

// Error codes surfaced to callers.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeNoTasks          = "NO_TASKS"
	CodeBundleActive     = "BUNDLE_ACTIVE"
	CodeLeaseConflict    = "LEASE_CONFLICT"
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
	CodePlaybackTooShort = "PLAYBACK_TOO_SHORT"
	CodeRateLimit        = "RATE_LIMIT"
	CodeServerError      = "SERVER_ERROR"
)

// Error is a coded engine error carrying its HTTP status.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e with a caller-facing message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: msg}
}

var (
	ErrValidation       = &Error{Code: CodeValidationFailed, Status: http.StatusBadRequest}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized}
	ErrNotFound         = &Error{Code: CodeNotFound, Status: http.StatusNotFound}
	ErrNoTasks          = &Error{Code: CodeNoTasks, Status: http.StatusNotFound}
	ErrBundleActive     = &Error{Code: CodeBundleActive, Status: http.StatusConflict}
	ErrLeaseConflict    = &Error{Code: CodeLeaseConflict, Status: http.StatusConflict}
	ErrDuplicateRequest = &Error{Code: CodeDuplicateRequest, Status: http.StatusConflict}
	ErrPlaybackTooShort = &Error{Code: CodePlaybackTooShort, Status: http.StatusUnprocessableEntity}
	ErrRateLimit        = &Error{Code: CodeRateLimit, Status: http.StatusTooManyRequests}
	ErrServer           = &Error{Code: CodeServerError, Status: http.StatusInternalServerError}
)

// AsError resolves err to a coded error; uncoded errors become SERVER_ERROR.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrServer
}
