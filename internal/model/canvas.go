// Package model defines the core domain types for Setforge.
//
// Types use strong typing (UUIDs, time.Time, closed string enums) and avoid
// interface{} wherever possible. Action and card payloads that cross the API
// boundary are json.RawMessage until validated against a per-type schema.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CanvasStatus represents the lifecycle state of a canvas.
type CanvasStatus string

const (
	CanvasStatusActive   CanvasStatus = "active"
	CanvasStatusArchived CanvasStatus = "archived"
)

// Phase is an advisory workflow phase for a canvas, set by specific action types.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseReviewing Phase = "reviewing"
	PhasePaused    Phase = "paused"
	PhaseComplete  Phase = "complete"
)

// UpNextCap is the maximum number of entries in a canvas's upNext list.
// Writes beyond the cap evict the lowest-priority entry, oldest first.
const UpNextCap = 20

// Canvas is the per-conversation container of cards, version, and phase.
// There is exactly one writer authority per canvas: the action reducer.
type Canvas struct {
	ID        uuid.UUID    `json:"id"`
	UserID    string       `json:"user_id"`
	Purpose   string       `json:"purpose"`
	Status    CanvasStatus `json:"status"`
	Version   int64        `json:"version"`
	Phase     Phase        `json:"phase"`
	UpNext    []UpNextRef  `json:"up_next"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// UpNextRef is one ordered entry in a canvas's upNext list.
type UpNextRef struct {
	CardID    uuid.UUID `json:"card_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}
