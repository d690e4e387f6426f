package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
//
// STALE_VERSION is expected under normal multi-writer operation and is
// always recoverable by refetching the live version and resubmitting;
// UNIMPLEMENTED is distinct from INVALID_ARGUMENT so clients can
// feature-detect action types.
const (
	ErrCodeStaleVersion    = "STALE_VERSION"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeUnimplemented   = "UNIMPLEMENTED"
	ErrCodeInternal        = "INTERNAL"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// ApplyActionRequest is the request body for POST /v1/canvases/{canvas_id}/actions.
type ApplyActionRequest struct {
	Action Action `json:"action"`
}

// ApplyActionResponse is the success response for applyAction.
type ApplyActionResponse struct {
	Success        bool        `json:"success"`
	Version        int64       `json:"version"`
	ChangedCardIDs []uuid.UUID `json:"changed_card_ids,omitempty"`
	Replayed       bool        `json:"replayed,omitempty"`
}

// OpenCanvasRequest is the request body for POST /v1/canvases/open.
// UserID is set from JWT claims, never from the request body.
type OpenCanvasRequest struct {
	UserID   string     `json:"-"`
	Purpose  string     `json:"purpose"`
	CanvasID *uuid.UUID `json:"canvas_id,omitempty"`
}

// ResumeState is the canvas state returned on open/resume.
type ResumeState struct {
	Cards           []Card `json:"cards"`
	LastEntryCursor int64  `json:"last_entry_cursor"`
	CardCount       int    `json:"card_count"`
}

// OpenCanvasResponse is the response for POST /v1/canvases/open.
type OpenCanvasResponse struct {
	CanvasID     uuid.UUID   `json:"canvas_id"`
	SessionID    uuid.UUID   `json:"session_id"`
	IsNewSession bool        `json:"is_new_session"`
	ResumeState  ResumeState `json:"resume_state"`
}

// CanvasSnapshot is the live-subscription payload: everything a renderer
// needs to draw the canvas at a consistent version.
type CanvasSnapshot struct {
	CanvasID uuid.UUID   `json:"canvas_id"`
	Version  int64       `json:"version"`
	Phase    Phase       `json:"phase"`
	Cards    []Card      `json:"cards"`
	UpNext   []UpNextRef `json:"up_next"`
}

// ConverseRequest is the request body for POST /v1/canvases/{canvas_id}/converse.
type ConverseRequest struct {
	Prompt        string     `json:"prompt"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Broker   string `json:"broker,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
