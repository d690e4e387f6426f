package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CardType is the closed set of card kinds the engine knows how to validate
// and replace. Adding a type requires a content schema and a replacement class.
type CardType string

const (
	CardSessionPlan     CardType = "session_plan"
	CardSetTarget       CardType = "set_target"
	CardCoachProposal   CardType = "coach_proposal"
	CardVisualization   CardType = "visualization"
	CardRoutineSummary  CardType = "routine_summary"
	CardAnalysisSummary CardType = "analysis_summary"
	CardList            CardType = "list"
	CardInlineInfo      CardType = "inline_info"
	CardProposalGroup   CardType = "proposal_group"
	CardRoutineOverview CardType = "routine_overview"
)

// CardStatus represents the lifecycle state of a card.
// accepted, rejected, and expired are terminal.
type CardStatus string

const (
	CardStatusProposed CardStatus = "proposed"
	CardStatusAccepted CardStatus = "accepted"
	CardStatusRejected CardStatus = "rejected"
	CardStatusExpired  CardStatus = "expired"
)

// Terminal reports whether a card status is terminal.
func (s CardStatus) Terminal() bool {
	return s == CardStatusAccepted || s == CardStatusRejected || s == CardStatusExpired
}

// Priority bounds for CardMeta.Priority. Out-of-range values are clamped,
// never rejected.
const (
	MinCardPriority = 0
	MaxCardPriority = 10
)

// ClampPriority clamps p into [MinCardPriority, MaxCardPriority].
func ClampPriority(p int) int {
	if p < MinCardPriority {
		return MinCardPriority
	}
	if p > MaxCardPriority {
		return MaxCardPriority
	}
	return p
}

// CardMeta carries optional bookkeeping attached to a card.
type CardMeta struct {
	DraftID  *string `json:"draft_id,omitempty"`
	GroupID  *string `json:"group_id,omitempty"`
	Priority int     `json:"priority"`
}

// Card is a single typed proposal or artifact on a canvas.
// Cards are mutated only through the action reducer, never patched directly.
type Card struct {
	ID        uuid.UUID       `json:"id"`
	CanvasID  uuid.UUID       `json:"canvas_id"`
	Type      CardType        `json:"type"`
	Status    CardStatus      `json:"status"`
	Lane      string          `json:"lane"`
	Content   json.RawMessage `json:"content"`
	Meta      CardMeta        `json:"meta"`
	SourceRefs []string       `json:"source_refs,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReplacementClass returns the replacement scope for a card type, or "" when
// the type is not lane-scoped. Cards sharing a non-empty class and the same
// lane are mutually exclusive: at most one may be non-terminal.
func (t CardType) ReplacementClass() string {
	switch t {
	case CardSetTarget:
		return "set_target" // lane is "exerciseID:setIndex"
	case CardAnalysisSummary, CardVisualization:
		return "analysis" // lane is a topic key, e.g. a muscle group
	case CardSessionPlan, CardCoachProposal:
		return "plan" // lane is the planning topic
	case CardRoutineSummary, CardRoutineOverview:
		return "routine" // lane is the routine id
	default:
		return ""
	}
}

// CardRevision is a snapshot of a card's status and content taken before a
// mutation, kept so UNDO can restore the specific cards an action touched.
type CardRevision struct {
	ID        uuid.UUID       `json:"id"`
	CardID    uuid.UUID       `json:"card_id"`
	CanvasID  uuid.UUID       `json:"canvas_id"`
	Version   int64           `json:"version"` // canvas version the mutating action produced
	Actor     Actor           `json:"actor"`
	Status    CardStatus      `json:"status"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}
