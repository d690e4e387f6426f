package engine

import (
	"errors"
	"fmt"
)

// Code classifies reducer failures so the transport layer can map them to
// API error codes without string matching.
type Code string

const (
	CodeStaleVersion    Code = "STALE_VERSION"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnimplemented   Code = "UNIMPLEMENTED"
	CodeInternal        Code = "INTERNAL"
)

// Error is a classified reducer error. Field names the offending payload
// field for INVALID_ARGUMENT errors, when known.
type Error struct {
	Code    Code
	Message string
	Field   string

	// CurrentVersion is populated on STALE_VERSION so callers can refetch
	// and resubmit without an extra round trip.
	CurrentVersion int64
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine: %s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("engine: %s: %s", e.Code, e.Message)
}

// CodeOf extracts the engine code from err, or CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func staleVersion(expected, current int64) *Error {
	return &Error{
		Code:           CodeStaleVersion,
		Message:        fmt.Sprintf("expected version %d, canvas is at %d", expected, current),
		CurrentVersion: current,
	}
}

func invalidf(field, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func unimplementedf(format string, args ...any) *Error {
	return &Error{Code: CodeUnimplemented, Message: fmt.Sprintf(format, args...)}
}
