package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Actor identifies who submitted an action.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// ActionType is the closed set of action kinds the reducer dispatches on.
// Unrecognized types are rejected with CodeUnimplemented, never no-op'd.
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

// knownActionTypes is the dispatch set. EDIT_SET is deliberately absent:
// structural set edits are not implemented yet and must fail with
// CodeUnimplemented so clients can feature-detect.
var knownActionTypes = map[ActionType]bool{
	ActionAddInstruction: true,
	ActionProposeCard:    true,
	ActionAcceptProposal: true,
	ActionRejectProposal: true,
	ActionAcceptAll:      true,
	ActionRejectAll:      true,
	ActionAddNote:        true,
	ActionLogSet:         true,
	ActionSwap:           true,
	ActionAdjustLoad:     true,
	ActionReorderSets:    true,
	ActionPause:          true,
	ActionResume:         true,
	ActionComplete:       true,
	ActionUndo:           true,
}

// Known reports whether t is a dispatchable action type.
func (t ActionType) Known() bool { return knownActionTypes[t] }

// Action is the unit of intent submitted to the reducer.
type Action struct {
	Type            ActionType      `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	By              Actor           `json:"by"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	CorrelationID   *uuid.UUID      `json:"correlation_id,omitempty"`
}

// ActionResult is what the reducer returns for a successfully applied (or
// idempotently replayed) action.
type ActionResult struct {
	NewVersion     int64       `json:"new_version"`
	ChangedCardIDs []uuid.UUID `json:"changed_card_ids,omitempty"`
	Replayed       bool        `json:"replayed,omitempty"`
}

// --- Typed action payloads. Each is schema-checked before dispatch. ---

// AddInstructionPayload is the payload for ADD_INSTRUCTION.
type AddInstructionPayload struct {
	Text  string `json:"text"`
	Phase *Phase `json:"phase,omitempty"`
}

// ProposeCardPayload is the payload for PROPOSE_CARD.
type ProposeCardPayload struct {
	CardType   CardType        `json:"card_type"`
	Lane       string          `json:"lane"`
	Content    json.RawMessage `json:"content"`
	Meta       CardMeta        `json:"meta"`
	SourceRefs []string        `json:"source_refs,omitempty"`
}

// ProposalRefPayload is the payload for ACCEPT_PROPOSAL and REJECT_PROPOSAL.
type ProposalRefPayload struct {
	CardID uuid.UUID `json:"card_id"`
}

// ProposalScopePayload is the payload for ACCEPT_ALL and REJECT_ALL.
// Exactly one of Lane or GroupID must be set.
type ProposalScopePayload struct {
	Lane    string `json:"lane,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// AddNotePayload is the payload for ADD_NOTE.
type AddNotePayload struct {
	CardID uuid.UUID `json:"card_id"`
	Note   string    `json:"note"`
}

// LogSetPayload is the payload for LOG_SET.
type LogSetPayload struct {
	CardID   uuid.UUID `json:"card_id"`
	Reps     int       `json:"reps"`
	WeightKg float64   `json:"weight_kg"`
	RPE      *float64  `json:"rpe,omitempty"`
}

// SwapPayload is the payload for SWAP.
type SwapPayload struct {
	CardID        uuid.UUID `json:"card_id"`
	NewExerciseID string    `json:"new_exercise_id"`
}

// AdjustLoadPayload is the payload for ADJUST_LOAD.
type AdjustLoadPayload struct {
	CardID  uuid.UUID `json:"card_id"`
	DeltaKg float64   `json:"delta_kg"`
}

// ReorderSetsPayload is the payload for REORDER_SETS.
type ReorderSetsPayload struct {
	CardID uuid.UUID `json:"card_id"`
	Order  []int     `json:"order"`
}
