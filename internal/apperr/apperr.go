// Package apperr defines the error taxonomy shared by the engine, the
// subscription layer, and the HTTP handlers. Handlers translate these to
// the response envelope; raw storage errors never cross that boundary.
package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidPath      = "INVALID_PATH"
	CodeAppendNotFound   = "APPEND_NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenAlreadyUsed = "TOKEN_ALREADY_USED"
	CodeKeyRevoked       = "KEY_REVOKED"
	CodeConnectionLimit  = "CONNECTION_LIMIT_EXCEEDED"
	CodeServerBusy       = "SERVER_BUSY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
)

// Error carries a stable machine-readable code suitable for programmatic
// branching by agents.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

// New builds an Error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail entry and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from err, or CodeInternal.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
