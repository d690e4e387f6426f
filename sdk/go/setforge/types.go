package setforge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who submitted an action.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// ActionType identifies the kind of action to apply.
type ActionType string

const (
	ActionAddInstruction ActionType = "ADD_INSTRUCTION"
	ActionProposeCard    ActionType = "PROPOSE_CARD"
	ActionAcceptProposal ActionType = "ACCEPT_PROPOSAL"
	ActionRejectProposal ActionType = "REJECT_PROPOSAL"
	ActionAcceptAll      ActionType = "ACCEPT_ALL"
	ActionRejectAll      ActionType = "REJECT_ALL"
	ActionAddNote        ActionType = "ADD_NOTE"
	ActionLogSet         ActionType = "LOG_SET"
	ActionSwap           ActionType = "SWAP"
	ActionAdjustLoad     ActionType = "ADJUST_LOAD"
	ActionReorderSets    ActionType = "REORDER_SETS"
	ActionPause          ActionType = "PAUSE"
	ActionResume         ActionType = "RESUME"
	ActionComplete       ActionType = "COMPLETE"
	ActionUndo           ActionType = "UNDO"
)

// Action is the unit of intent submitted to the reducer.
type Action struct {
	Type            ActionType      `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	By              Actor           `json:"by"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	CorrelationID   *uuid.UUID      `json:"correlation_id,omitempty"`
}

// CardStatus represents the lifecycle state of a card.
type CardStatus string

const (
	CardStatusProposed CardStatus = "proposed"
	CardStatusAccepted CardStatus = "accepted"
	CardStatusRejected CardStatus = "rejected"
	CardStatusExpired  CardStatus = "expired"
)

// CardMeta carries optional bookkeeping attached to a card.
type CardMeta struct {
	DraftID  *string `json:"draft_id,omitempty"`
	GroupID  *string `json:"group_id,omitempty"`
	Priority int     `json:"priority"`
}

// Card is a single typed proposal or artifact on a canvas.
type Card struct {
	ID         uuid.UUID       `json:"id"`
	CanvasID   uuid.UUID       `json:"canvas_id"`
	Type       string          `json:"type"`
	Status     CardStatus      `json:"status"`
	Lane       string          `json:"lane"`
	Content    json.RawMessage `json:"content"`
	Meta       CardMeta        `json:"meta"`
	SourceRefs []string        `json:"source_refs,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// UpNextRef is one ordered entry in a canvas's upNext list.
type UpNextRef struct {
	CardID    uuid.UUID `json:"card_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Canvas describes a canvas snapshot returned by GetCanvas.
type Canvas struct {
	CanvasID uuid.UUID   `json:"canvas_id"`
	Version  int64       `json:"version"`
	Phase    string      `json:"phase"`
	Cards    []Card      `json:"cards"`
	UpNext   []UpNextRef `json:"up_next"`
}

// ResumeState is the canvas state returned on open/resume.
type ResumeState struct {
	Cards           []Card `json:"cards"`
	LastEntryCursor int64  `json:"last_entry_cursor"`
	CardCount       int    `json:"card_count"`
}

// OpenCanvasResponse is returned by OpenCanvas.
type OpenCanvasResponse struct {
	CanvasID     uuid.UUID   `json:"canvas_id"`
	SessionID    uuid.UUID   `json:"session_id"`
	IsNewSession bool        `json:"is_new_session"`
	ResumeState  ResumeState `json:"resume_state"`
}

// ApplyActionResponse is returned by ApplyAction.
type ApplyActionResponse struct {
	Success        bool        `json:"success"`
	Version        int64       `json:"version"`
	ChangedCardIDs []uuid.UUID `json:"changed_card_ids,omitempty"`
	Replayed       bool        `json:"replayed,omitempty"`
}

// Event is one append-only log entry mirroring an applied action.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	CanvasID       uuid.UUID      `json:"canvas_id"`
	Seq            int64          `json:"seq"`
	ActionType     ActionType     `json:"action_type"`
	Actor          Actor          `json:"actor"`
	ChangedCardIDs []uuid.UUID    `json:"changed_card_ids,omitempty"`
	CorrelationID  *uuid.UUID     `json:"correlation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Broker   string `json:"broker,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
