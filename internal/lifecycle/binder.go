// Package lifecycle binds conversation sessions to canvases.
//
// Each (userID, purpose) pair has at most one active binding. Opening a
// canvas either reuses the bound session, or supersedes it and starts fresh;
// the decision logic is pure so reuse rules can be tested without a database.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
)

// DefaultSessionTTL is the idle window after which a bound session goes stale
// and Open starts a fresh one.
const DefaultSessionTTL = 30 * time.Minute

// decision is the outcome of evaluating an existing binding.
type decision int

const (
	decideFresh decision = iota // new session, new canvas
	decideReuse                 // keep session and canvas
	decideRebind                // new session on the caller-named canvas
)

// decide evaluates whether an existing binding can serve a new Open call.
// explicitCanvas forces a fresh session: a user deliberately reopening a
// canvas should never be glued to a stale conversation.
func decide(existing *model.SessionBinding, agentVersion string, explicitCanvas bool, ttl time.Duration, now time.Time) decision {
	if explicitCanvas {
		return decideRebind
	}
	if existing == nil || existing.SupersededAt != nil {
		return decideFresh
	}
	if existing.AgentVersion != agentVersion {
		return decideFresh
	}
	if now.Sub(existing.LastUsedAt) > ttl {
		return decideFresh
	}
	return decideReuse
}

// Binder owns session-to-canvas bindings.
type Binder struct {
	db           *storage.DB
	agentVersion string
	ttl          time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewBinder(db *storage.DB, agentVersion string, ttl time.Duration, logger *slog.Logger) *Binder {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Binder{
		db:           db,
		agentVersion: agentVersion,
		ttl:          ttl,
		logger:       logger.With(slog.String("component", "lifecycle")),
		now:          time.Now,
	}
}

// Open returns the binding to use for (userID, purpose). resumed is true when
// the returned binding points at a canvas that already existed, either through
// session reuse or an explicit canvasID.
func (b *Binder) Open(ctx context.Context, userID, purpose string, canvasID *uuid.UUID) (model.SessionBinding, bool, error) {
	now := b.now().UTC()

	existing, err := b.db.GetActiveBinding(ctx, userID, purpose)
	var current *model.SessionBinding
	switch {
	case err == nil:
		current = &existing
	case errors.Is(err, storage.ErrNotFound):
	default:
		return model.SessionBinding{}, false, err
	}

	switch decide(current, b.agentVersion, canvasID != nil, b.ttl, now) {
	case decideReuse:
		if err := b.db.TouchBinding(ctx, current.ID, now); err != nil {
			return model.SessionBinding{}, false, err
		}
		current.LastUsedAt = now
		return *current, true, nil

	case decideRebind:
		canvas, err := b.db.GetCanvasForUser(ctx, *canvasID, userID)
		if err != nil {
			return model.SessionBinding{}, false, err
		}
		binding, err := b.replaceBinding(ctx, current, userID, purpose, canvas.ID, now)
		return binding, true, err

	default:
		if current != nil {
			// The old canvas is superseded for this (user, purpose); archive
			// it so it stops accepting actions. ErrNotFound means something
			// already archived it, which is the state we want.
			if err := b.db.ArchiveCanvas(ctx, current.CanvasID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return model.SessionBinding{}, false, fmt.Errorf("lifecycle: archive superseded canvas: %w", err)
			}
		}
		canvas, err := b.db.CreateCanvas(ctx, userID, purpose)
		if err != nil {
			return model.SessionBinding{}, false, err
		}
		binding, err := b.replaceBinding(ctx, current, userID, purpose, canvas.ID, now)
		return binding, false, err
	}
}

// Release supersedes the active binding for (userID, purpose), if any.
func (b *Binder) Release(ctx context.Context, userID, purpose string) error {
	existing, err := b.db.GetActiveBinding(ctx, userID, purpose)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return b.db.SupersedeBinding(ctx, existing.ID, b.now().UTC())
}

func (b *Binder) replaceBinding(ctx context.Context, old *model.SessionBinding, userID, purpose string, canvasID uuid.UUID, now time.Time) (model.SessionBinding, error) {
	if old != nil {
		if err := b.db.SupersedeBinding(ctx, old.ID, now); err != nil {
			return model.SessionBinding{}, fmt.Errorf("lifecycle: supersede binding: %w", err)
		}
	}

	binding := model.SessionBinding{
		ID:           uuid.New(),
		UserID:       userID,
		Purpose:      purpose,
		SessionID:    uuid.New(),
		CanvasID:     canvasID,
		AgentVersion: b.agentVersion,
		LastUsedAt:   now,
		CreatedAt:    now,
	}
	if err := b.db.CreateBinding(ctx, binding); err != nil {
		return model.SessionBinding{}, err
	}

	b.logger.InfoContext(ctx, "session bound",
		slog.String("user_id", userID),
		slog.String("purpose", purpose),
		slog.String("session_id", binding.SessionID.String()),
		slog.String("canvas_id", canvasID.String()))
	return binding, nil
}

// Touch refreshes the binding owning sessionID so continued conversation
// extends the idle window.
func (b *Binder) Touch(ctx context.Context, userID, purpose string) error {
	existing, err := b.db.GetActiveBinding(ctx, userID, purpose)
	if err != nil {
		return err
	}
	return b.db.TouchBinding(ctx, existing.ID, b.now().UTC())
}
