package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionBinding pairs a conversation session with a canvas for one
// (userID, purpose). Bindings are superseded, never edited in place, when a
// new session is created for the same pair.
type SessionBinding struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id"`
	Purpose      string     `json:"purpose"`
	SessionID    uuid.UUID  `json:"session_id"`
	CanvasID     uuid.UUID  `json:"canvas_id"`
	AgentVersion string     `json:"agent_version"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}
