package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkspaceEvent is an append-only log entry mirroring each applied action.
// Source of truth for timeline reconstruction. Never mutated or deleted.
type WorkspaceEvent struct {
	ID             uuid.UUID      `json:"id"`
	CanvasID       uuid.UUID      `json:"canvas_id"`
	Seq            int64          `json:"seq"` // canvas version the action produced
	ActionType     ActionType     `json:"action_type"`
	Actor          Actor          `json:"actor"`
	ChangedCardIDs []uuid.UUID    `json:"changed_card_ids,omitempty"`
	CorrelationID  *uuid.UUID     `json:"correlation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
