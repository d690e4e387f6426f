// Package setforge provides a Go client for the Setforge canvas API.
package setforge

import (
	"errors"
	"fmt"
)

// Error codes returned by the server.
const (
	CodeStaleVersion    = "STALE_VERSION"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeUnimplemented   = "UNIMPLEMENTED"
	CodeConflict        = "CONFLICT"
)

// Error represents an error from the Setforge API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// CurrentVersion is populated on STALE_VERSION errors so callers can
	// resubmit without refetching the canvas.
	CurrentVersion int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("setforge: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsStaleVersion returns true if the error is a STALE_VERSION conflict.
func IsStaleVersion(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeStaleVersion
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsUnimplemented returns true if the server rejected an action type it
// does not support. Clients can use this to feature-detect.
func IsUnimplemented(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeUnimplemented
	}
	return false
}
