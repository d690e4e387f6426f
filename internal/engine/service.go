package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
)

// ledgerRetention is how long an applied action's result stays replayable
// under the same idempotency key.
const ledgerRetention = 24 * time.Hour

// Materializer turns accepted plan cards into durable domain objects after
// the canvas transaction commits.
type Materializer interface {
	MaterializeCard(ctx context.Context, canvasID uuid.UUID, d MaterializeDirective) error
}

// Service owns the apply path: version check, idempotency replay, reduce,
// persist, all inside one canvas-scoped transaction.
type Service struct {
	store  *storage.DB
	mat    Materializer
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store *storage.DB, mat Materializer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		mat:    mat,
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
	}
}

// Apply runs one action against a canvas. On success the canvas version has
// advanced by exactly one, the changeset is persisted, a workspace event has
// been appended, and the result is recorded in the idempotency ledger. A
// replayed action returns the original result without touching state.
func (s *Service) Apply(ctx context.Context, canvasID uuid.UUID, act model.Action) (model.ActionResult, error) {
	if act.IdempotencyKey == "" {
		return model.ActionResult{}, invalidf("idempotency_key", "idempotency_key is required")
	}
	if act.ExpectedVersion < 0 {
		return model.ActionResult{}, invalidf("expected_version", "expected_version must not be negative")
	}

	now := s.now().UTC()
	var (
		result     model.ActionResult
		directives []MaterializeDirective
	)

	err := s.store.WithCanvasTx(ctx, canvasID, func(tx *storage.CanvasTx) error {
		canvas, err := tx.GetCanvasForUpdate(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return notFoundf("canvas %s not found", canvasID)
			}
			return err
		}

		prior, ok, err := tx.GetLedger(ctx, act.IdempotencyKey, now)
		if err != nil {
			return err
		}
		if ok {
			prior.Replayed = true
			result = prior
			return nil
		}

		if act.ExpectedVersion != canvas.Version {
			return staleVersion(act.ExpectedVersion, canvas.Version)
		}

		snap, err := s.loadSnapshot(ctx, tx, canvas, act)
		if err != nil {
			return err
		}

		cs, err := Reduce(snap, act, now)
		if err != nil {
			return err
		}

		newVersion := canvas.Version + 1
		if err := s.persist(ctx, tx, canvas, act, cs, newVersion, now); err != nil {
			return err
		}

		result = model.ActionResult{
			NewVersion:     newVersion,
			ChangedCardIDs: cs.ChangedCardIDs(),
		}
		if err := tx.PutLedger(ctx, act.IdempotencyKey, result, now.Add(ledgerRetention)); err != nil {
			return err
		}
		directives = cs.Materialize
		return nil
	})
	if err != nil {
		return model.ActionResult{}, err
	}

	if !result.Replayed {
		s.logger.InfoContext(ctx, "action applied",
			slog.String("canvas_id", canvasID.String()),
			slog.String("action_type", string(act.Type)),
			slog.Int64("version", result.NewVersion),
			slog.Int("changed_cards", len(result.ChangedCardIDs)))
	}

	s.materialize(ctx, canvasID, directives)
	return result, nil
}

func (s *Service) loadSnapshot(ctx context.Context, tx *storage.CanvasTx, canvas model.Canvas, act model.Action) (Snapshot, error) {
	cards, err := tx.ActiveCards(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		CanvasID: canvas.ID,
		Version:  canvas.Version,
		Phase:    canvas.Phase,
		Cards:    cards,
		UpNext:   canvas.UpNext,
	}

	if act.Type != model.ActionUndo {
		return snap, nil
	}

	ev, revs, err := tx.LastUndoable(ctx, act.By)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return snap, nil
		}
		return Snapshot{}, err
	}
	snap.LastActorEvent = ev
	snap.LastRevisions = revs

	// Restore targets may be terminal and therefore absent from ActiveCards.
	for _, rev := range revs {
		if _, ok := cardByID(snap.Cards, rev.CardID); ok {
			continue
		}
		card, err := tx.GetCard(ctx, rev.CardID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return Snapshot{}, err
		}
		snap.Cards = append(snap.Cards, card)
	}
	return snap, nil
}

func (s *Service) persist(ctx context.Context, tx *storage.CanvasTx, canvas model.Canvas, act model.Action, cs ChangeSet, newVersion int64, now time.Time) error {
	for _, card := range cs.NewCards {
		if err := tx.InsertCard(ctx, card); err != nil {
			return err
		}
	}
	for _, card := range cs.UpdatedCards {
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
	}
	if len(cs.ExpireCardIDs) > 0 {
		if err := tx.ExpireCards(ctx, cs.ExpireCardIDs, now); err != nil {
			return err
		}
	}
	if len(cs.Revisions) > 0 {
		if err := tx.InsertRevisions(ctx, cs.Revisions); err != nil {
			return err
		}
	}
	if cs.UpNext != nil {
		if err := tx.SetUpNext(ctx, cs.UpNext, now); err != nil {
			return err
		}
	}
	if err := tx.BumpVersion(ctx, newVersion, cs.Phase, now); err != nil {
		return err
	}

	ev := model.WorkspaceEvent{
		ID:             uuid.New(),
		CanvasID:       canvas.ID,
		Seq:            newVersion,
		ActionType:     act.Type,
		Actor:          act.By,
		ChangedCardIDs: cs.ChangedCardIDs(),
		CorrelationID:  act.CorrelationID,
		Payload:        cs.EventPayload,
		CreatedAt:      now,
	}
	return tx.AppendEvent(ctx, ev)
}

// materialize runs post-commit and is best effort: a failed materialization
// never fails the action that triggered it.
func (s *Service) materialize(ctx context.Context, canvasID uuid.UUID, directives []MaterializeDirective) {
	if s.mat == nil {
		return
	}
	for _, d := range directives {
		if err := s.mat.MaterializeCard(ctx, canvasID, d); err != nil {
			s.logger.WarnContext(ctx, "materialize card failed",
				slog.String("canvas_id", canvasID.String()),
				slog.String("card_id", d.CardID.String()),
				slog.String("error", err.Error()))
		}
	}
}
