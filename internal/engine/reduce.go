package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
)

// Snapshot is the transactional view of one canvas that Reduce dispatches
// over. Cards holds every non-terminal card plus any card referenced by
// LastRevisions (UNDO may restore a card that is currently terminal).
type Snapshot struct {
	CanvasID uuid.UUID
	Version  int64
	Phase    model.Phase
	Cards    []model.Card
	UpNext   []model.UpNextRef

	// UNDO scope: the most recent non-UNDO event by the acting actor and the
	// pre-image revisions recorded for it. Nil when the actor has no history.
	LastActorEvent *model.WorkspaceEvent
	LastRevisions  []model.CardRevision
}

// ChangeSet is everything one applied action changes. The storage layer
// persists a ChangeSet atomically with the version bump, ledger record, and
// workspace event; Reduce itself never touches storage.
type ChangeSet struct {
	NewCards      []model.Card
	UpdatedCards  []model.Card
	ExpireCardIDs []uuid.UUID
	Revisions     []model.CardRevision
	Phase         *model.Phase
	UpNext        []model.UpNextRef // full replacement list; nil means unchanged
	EvictedUpNext []model.UpNextRef
	EventPayload  map[string]any
	Materialize   []MaterializeDirective
}

// MaterializeDirective asks the domain collaborator to turn an accepted card
// into a durable routine/template after the canvas transaction commits.
type MaterializeDirective struct {
	CardID  uuid.UUID
	Type    model.CardType
	Content json.RawMessage
}

// ChangedCardIDs returns the ids of every card the changeset touches.
func (cs *ChangeSet) ChangedCardIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(cs.NewCards)+len(cs.UpdatedCards)+len(cs.ExpireCardIDs))
	for _, c := range cs.NewCards {
		ids = append(ids, c.ID)
	}
	for _, c := range cs.UpdatedCards {
		ids = append(ids, c.ID)
	}
	ids = append(ids, cs.ExpireCardIDs...)
	return ids
}

// Reduce applies one action to a canvas snapshot and returns the resulting
// changeset. Pure: no storage access, no side effects. The caller has already
// checked expectedVersion and the idempotency ledger.
func Reduce(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	if !act.Type.Known() {
		return ChangeSet{}, unimplementedf("action type %q is not implemented", act.Type)
	}
	if act.By != model.ActorUser && act.By != model.ActorAgent {
		return ChangeSet{}, invalidf("by", "actor must be %q or %q", model.ActorUser, model.ActorAgent)
	}

	switch act.Type {
	case model.ActionAddInstruction:
		return reduceAddInstruction(act)
	case model.ActionProposeCard:
		return reduceProposeCard(snap, act, now)
	case model.ActionAcceptProposal, model.ActionRejectProposal:
		return reduceResolveProposal(snap, act, now)
	case model.ActionAcceptAll, model.ActionRejectAll:
		return reduceResolveAll(snap, act, now)
	case model.ActionAddNote:
		return reduceAddNote(snap, act, now)
	case model.ActionLogSet:
		return reduceLogSet(snap, act, now)
	case model.ActionSwap:
		return reduceSwap(snap, act, now)
	case model.ActionAdjustLoad:
		return reduceAdjustLoad(snap, act, now)
	case model.ActionReorderSets:
		return reduceReorderSets(snap, act, now)
	case model.ActionPause, model.ActionResume, model.ActionComplete:
		return reducePhase(snap, act)
	case model.ActionUndo:
		return reduceUndo(snap, act, now)
	default:
		// Unreachable while knownActionTypes and this switch agree.
		return ChangeSet{}, unimplementedf("action type %q is not implemented", act.Type)
	}
}

func decodePayload(act model.Action, target any) error {
	if len(act.Payload) == 0 {
		return invalidf("payload", "payload is required for %s", act.Type)
	}
	if err := json.Unmarshal(act.Payload, target); err != nil {
		return invalidf("payload", "malformed %s payload: %v", act.Type, err)
	}
	return nil
}

func reduceAddInstruction(act model.Action) (ChangeSet, error) {
	var p model.AddInstructionPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if p.Text == "" {
		return ChangeSet{}, invalidf("text", "instruction text is required")
	}
	if len(p.Text) > model.MaxInstructionLen {
		return ChangeSet{}, invalidf("text", "instruction exceeds maximum length of %d bytes", model.MaxInstructionLen)
	}

	cs := ChangeSet{EventPayload: map[string]any{"text": p.Text}}
	if p.Phase != nil {
		if !validPhase(*p.Phase) {
			return ChangeSet{}, invalidf("phase", "unknown phase %q", *p.Phase)
		}
		cs.Phase = p.Phase
	}
	return cs, nil
}

func reduceProposeCard(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.ProposeCardPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if err := model.ValidateLane(p.Lane); err != nil {
		return ChangeSet{}, invalidf("lane", "%v", err)
	}
	if err := ValidateCardContent(p.CardType, p.Content); err != nil {
		return ChangeSet{}, err
	}

	card := model.Card{
		ID:       uuid.New(),
		CanvasID: snap.CanvasID,
		Type:     p.CardType,
		Status:   model.CardStatusProposed,
		Lane:     p.Lane,
		Content:  p.Content,
		Meta: model.CardMeta{
			DraftID:  p.Meta.DraftID,
			GroupID:  p.Meta.GroupID,
			Priority: model.ClampPriority(p.Meta.Priority),
		},
		SourceRefs: p.SourceRefs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cs := ChangeSet{
		NewCards:      []model.Card{card},
		ExpireCardIDs: ResolveReplacements(snap.Cards, card),
		EventPayload:  map[string]any{"card_type": string(card.Type), "lane": card.Lane},
	}

	// A propose must be undoable: record pre-images for the occupants it
	// expires, and an expired-state revision for the card itself so an undo
	// retires it (its pre-image is nonexistence).
	cs.Revisions = preImageRevisions(snap, cs.ExpireCardIDs, act.By, now)
	retired := card
	retired.Status = model.CardStatusExpired
	cs.Revisions = append(cs.Revisions, revisionOf(retired, act.By, snap.Version+1, now))

	refs := append(withoutRefs(snap.UpNext, cs.ExpireCardIDs),
		model.UpNextRef{CardID: card.ID, Priority: card.Meta.Priority, CreatedAt: now})
	cs.UpNext, cs.EvictedUpNext = TrimUpNext(refs)
	return cs, nil
}

func reduceResolveProposal(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.ProposalRefPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	card, ok := cardByID(snap.Cards, p.CardID)
	if !ok {
		return ChangeSet{}, notFoundf("card %s not found", p.CardID)
	}
	if card.Status != model.CardStatusProposed {
		return ChangeSet{}, invalidf("card_id", "card %s is %s, only proposed cards can be resolved", card.ID, card.Status)
	}

	status := model.CardStatusAccepted
	if act.Type == model.ActionRejectProposal {
		status = model.CardStatusRejected
	}
	return resolveCards(snap, act, []model.Card{card}, status, now), nil
}

func reduceResolveAll(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.ProposalScopePayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if (p.Lane == "") == (p.GroupID == "") {
		return ChangeSet{}, invalidf("payload", "exactly one of lane or group_id must be set")
	}

	var matched []model.Card
	for _, c := range snap.Cards {
		if c.Status != model.CardStatusProposed {
			continue
		}
		if p.Lane != "" && c.Lane == p.Lane {
			matched = append(matched, c)
		}
		if p.GroupID != "" && c.Meta.GroupID != nil && *c.Meta.GroupID == p.GroupID {
			matched = append(matched, c)
		}
	}

	status := model.CardStatusAccepted
	if act.Type == model.ActionRejectAll {
		status = model.CardStatusRejected
	}
	return resolveCards(snap, act, matched, status, now), nil
}

// resolveCards transitions cards to accepted/rejected, recording pre-image
// revisions and materialization directives for accepted plan-class cards.
func resolveCards(snap Snapshot, act model.Action, cards []model.Card, status model.CardStatus, now time.Time) ChangeSet {
	cs := ChangeSet{EventPayload: map[string]any{"status": string(status)}}
	for _, card := range cards {
		cs.Revisions = append(cs.Revisions, revisionOf(card, act.By, snap.Version+1, now))
		card.Status = status
		card.UpdatedAt = now
		cs.UpdatedCards = append(cs.UpdatedCards, card)

		if status == model.CardStatusAccepted {
			switch card.Type {
			case model.CardSessionPlan, model.CardCoachProposal:
				cs.Materialize = append(cs.Materialize, MaterializeDirective{
					CardID:  card.ID,
					Type:    card.Type,
					Content: card.Content,
				})
			}
		}
	}

	// Resolved cards leave the upNext queue.
	if ids := cs.ChangedCardIDs(); len(ids) > 0 {
		trimmed := withoutRefs(snap.UpNext, ids)
		if len(trimmed) != len(snap.UpNext) {
			cs.UpNext = trimmed
		}
	}
	return cs
}

func reduceAddNote(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.AddNotePayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if p.Note == "" {
		return ChangeSet{}, invalidf("note", "note is required")
	}
	if len(p.Note) > model.MaxNoteLen {
		return ChangeSet{}, invalidf("note", "note exceeds maximum length of %d bytes", model.MaxNoteLen)
	}

	return mutateCardContent(snap, act, p.CardID, now, func(content map[string]any) error {
		notes, _ := content["notes"].([]any)
		content["notes"] = append(notes, p.Note)
		return nil
	})
}

func reduceLogSet(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.LogSetPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if p.Reps < 0 {
		return ChangeSet{}, invalidf("reps", "reps must not be negative")
	}
	if p.WeightKg < 0 {
		return ChangeSet{}, invalidf("weight_kg", "weight must not be negative")
	}

	return mutateTypedCard(snap, act, p.CardID, model.CardSetTarget, now, func(content map[string]any) error {
		logged := map[string]any{
			"reps":      p.Reps,
			"weight_kg": p.WeightKg,
			"logged_at": now.UTC().Format(time.RFC3339),
		}
		if p.RPE != nil {
			logged["rpe"] = *p.RPE
		}
		content["logged"] = logged
		return nil
	})
}

func reduceSwap(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.SwapPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}
	if p.NewExerciseID == "" {
		return ChangeSet{}, invalidf("new_exercise_id", "new_exercise_id is required")
	}

	card, ok := cardByID(snap.Cards, p.CardID)
	if !ok {
		return ChangeSet{}, notFoundf("card %s not found", p.CardID)
	}
	if card.Type != model.CardSetTarget {
		return ChangeSet{}, invalidf("card_id", "SWAP applies to %s cards, got %s", model.CardSetTarget, card.Type)
	}
	if card.Status.Terminal() {
		return ChangeSet{}, invalidf("card_id", "card %s is %s and can no longer change", card.ID, card.Status)
	}

	content, err := decodeContent(card)
	if err != nil {
		return ChangeSet{}, err
	}
	setIndex, _ := content["set_index"].(float64)
	content["exercise_id"] = p.NewExerciseID

	updated := card
	updated.Lane = fmt.Sprintf("%s:%d", p.NewExerciseID, int(setIndex))
	updated.UpdatedAt = now
	if updated.Content, err = encodeContent(card.Type, content); err != nil {
		return ChangeSet{}, err
	}

	cs := ChangeSet{
		UpdatedCards: []model.Card{updated},
		Revisions:    []model.CardRevision{revisionOf(card, act.By, snap.Version+1, now)},
		// The swapped card lands in a new lane; anything already occupying it
		// is superseded.
		ExpireCardIDs: ResolveReplacements(snap.Cards, updated),
		EventPayload:  map[string]any{"new_exercise_id": p.NewExerciseID, "lane": updated.Lane},
	}
	cs.Revisions = append(cs.Revisions, preImageRevisions(snap, cs.ExpireCardIDs, act.By, now)...)
	if len(cs.ExpireCardIDs) > 0 {
		cs.UpNext = withoutRefs(snap.UpNext, cs.ExpireCardIDs)
	}
	return cs, nil
}

func reduceAdjustLoad(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.AdjustLoadPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}

	return mutateTypedCard(snap, act, p.CardID, model.CardSetTarget, now, func(content map[string]any) error {
		weight, _ := content["weight_kg"].(float64)
		next := weight + p.DeltaKg
		if next < 0 {
			return invalidf("delta_kg", "adjustment would make weight negative (%.1f%+.1f)", weight, p.DeltaKg)
		}
		content["weight_kg"] = next
		return nil
	})
}

func reduceReorderSets(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	var p model.ReorderSetsPayload
	if err := decodePayload(act, &p); err != nil {
		return ChangeSet{}, err
	}

	return mutateTypedCard(snap, act, p.CardID, model.CardSessionPlan, now, func(content map[string]any) error {
		exercises, _ := content["exercises"].([]any)
		if len(p.Order) != len(exercises) {
			return invalidf("order", "order has %d entries, plan has %d exercises", len(p.Order), len(exercises))
		}
		seen := make([]bool, len(exercises))
		reordered := make([]any, len(exercises))
		for i, from := range p.Order {
			if from < 0 || from >= len(exercises) || seen[from] {
				return invalidf("order", "order must be a permutation of 0..%d", len(exercises)-1)
			}
			seen[from] = true
			reordered[i] = exercises[from]
		}
		content["exercises"] = reordered
		return nil
	})
}

func reducePhase(snap Snapshot, act model.Action) (ChangeSet, error) {
	var next model.Phase
	switch act.Type {
	case model.ActionPause:
		if snap.Phase == model.PhaseComplete {
			return ChangeSet{}, invalidf("type", "cannot pause a complete canvas")
		}
		next = model.PhasePaused
	case model.ActionResume:
		if snap.Phase != model.PhasePaused {
			return ChangeSet{}, invalidf("type", "canvas is %s, only a paused canvas can resume", snap.Phase)
		}
		next = model.PhaseExecuting
	case model.ActionComplete:
		next = model.PhaseComplete
	}
	return ChangeSet{
		Phase:        &next,
		EventPayload: map[string]any{"phase": string(next)},
	}, nil
}

// reduceUndo reverses the most recent action by the same actor, restoring the
// prior status and content of the specific cards it touched. Deliberately not
// a global undo stack: other actors' later writes are untouched.
func reduceUndo(snap Snapshot, act model.Action, now time.Time) (ChangeSet, error) {
	if snap.LastActorEvent == nil || len(snap.LastRevisions) == 0 {
		return ChangeSet{}, notFoundf("no undoable action for actor %s", act.By)
	}

	cs := ChangeSet{EventPayload: map[string]any{"undone_seq": snap.LastActorEvent.Seq}}
	for _, rev := range snap.LastRevisions {
		card, ok := cardByID(snap.Cards, rev.CardID)
		if !ok {
			continue // card vanished; restore what remains
		}
		cs.Revisions = append(cs.Revisions, revisionOf(card, act.By, snap.Version+1, now))
		card.Status = rev.Status
		card.Content = rev.Content
		card.UpdatedAt = now
		cs.UpdatedCards = append(cs.UpdatedCards, card)
	}
	if len(cs.UpdatedCards) == 0 {
		return ChangeSet{}, notFoundf("cards touched by the last action no longer exist")
	}

	// Keep upNext consistent with the restored statuses: retired cards leave
	// the queue, revived cards rejoin it.
	var retired []uuid.UUID
	for _, c := range cs.UpdatedCards {
		if c.Status.Terminal() && hasRef(snap.UpNext, c.ID) {
			retired = append(retired, c.ID)
		}
	}
	refs := withoutRefs(snap.UpNext, retired)
	changed := len(retired) > 0
	for _, c := range cs.UpdatedCards {
		if !c.Status.Terminal() && !hasRef(refs, c.ID) {
			refs = append(refs, model.UpNextRef{CardID: c.ID, Priority: c.Meta.Priority, CreatedAt: c.CreatedAt})
			changed = true
		}
	}
	if changed {
		cs.UpNext, cs.EvictedUpNext = TrimUpNext(refs)
	}
	return cs, nil
}

// --- helpers ---

func validPhase(p model.Phase) bool {
	switch p {
	case model.PhasePlanning, model.PhaseExecuting, model.PhaseReviewing, model.PhasePaused, model.PhaseComplete:
		return true
	}
	return false
}

func cardByID(cards []model.Card, id uuid.UUID) (model.Card, bool) {
	for _, c := range cards {
		if c.ID == id {
			return c, true
		}
	}
	return model.Card{}, false
}

func revisionOf(card model.Card, by model.Actor, version int64, now time.Time) model.CardRevision {
	return model.CardRevision{
		ID:        uuid.New(),
		CardID:    card.ID,
		CanvasID:  card.CanvasID,
		Version:   version,
		Actor:     by,
		Status:    card.Status,
		Content:   card.Content,
		CreatedAt: now,
	}
}

// preImageRevisions records the current state of the given cards before the
// action expires them. Version is the version the action will produce.
func preImageRevisions(snap Snapshot, ids []uuid.UUID, by model.Actor, now time.Time) []model.CardRevision {
	var revs []model.CardRevision
	for _, id := range ids {
		if card, ok := cardByID(snap.Cards, id); ok {
			revs = append(revs, revisionOf(card, by, snap.Version+1, now))
		}
	}
	return revs
}

func hasRef(refs []model.UpNextRef, id uuid.UUID) bool {
	for _, r := range refs {
		if r.CardID == id {
			return true
		}
	}
	return false
}

func withoutRefs(refs []model.UpNextRef, ids []uuid.UUID) []model.UpNextRef {
	if len(ids) == 0 {
		return refs
	}
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]model.UpNextRef, 0, len(refs))
	for _, r := range refs {
		if !drop[r.CardID] {
			out = append(out, r)
		}
	}
	return out
}

func decodeContent(card model.Card) (map[string]any, error) {
	var content map[string]any
	if err := json.Unmarshal(card.Content, &content); err != nil {
		return nil, &Error{Code: CodeInternal, Message: fmt.Sprintf("stored content for card %s is corrupt: %v", card.ID, err)}
	}
	return content, nil
}

func encodeContent(t model.CardType, content map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: fmt.Sprintf("re-encode card content: %v", err)}
	}
	if err := ValidateCardContent(t, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mutateCardContent applies fn to a card's decoded content, re-validates the
// result against the card type's schema, and emits the update with a
// pre-image revision. The card must exist and be non-terminal.
func mutateCardContent(snap Snapshot, act model.Action, cardID uuid.UUID, now time.Time, fn func(map[string]any) error) (ChangeSet, error) {
	return mutateTypedCard(snap, act, cardID, "", now, fn)
}

func mutateTypedCard(snap Snapshot, act model.Action, cardID uuid.UUID, wantType model.CardType, now time.Time, fn func(map[string]any) error) (ChangeSet, error) {
	card, ok := cardByID(snap.Cards, cardID)
	if !ok {
		return ChangeSet{}, notFoundf("card %s not found", cardID)
	}
	if wantType != "" && card.Type != wantType {
		return ChangeSet{}, invalidf("card_id", "%s applies to %s cards, got %s", act.Type, wantType, card.Type)
	}
	if card.Status.Terminal() {
		return ChangeSet{}, invalidf("card_id", "card %s is %s and can no longer change", card.ID, card.Status)
	}

	content, err := decodeContent(card)
	if err != nil {
		return ChangeSet{}, err
	}
	if err := fn(content); err != nil {
		return ChangeSet{}, err
	}

	updated := card
	updated.UpdatedAt = now
	if updated.Content, err = encodeContent(card.Type, content); err != nil {
		return ChangeSet{}, err
	}

	return ChangeSet{
		UpdatedCards: []model.Card{updated},
		Revisions:    []model.CardRevision{revisionOf(card, act.By, snap.Version+1, now)},
		EventPayload: map[string]any{"card_id": card.ID.String()},
	}, nil
}
