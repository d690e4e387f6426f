package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/setforge-ai/setforge/internal/model"
)

// CreateCanvas inserts a new canvas at version 0 in the planning phase.
func (db *DB) CreateCanvas(ctx context.Context, userID, purpose string) (model.Canvas, error) {
	now := time.Now().UTC()
	canvas := model.Canvas{
		ID:        uuid.New(),
		UserID:    userID,
		Purpose:   purpose,
		Status:    model.CanvasStatusActive,
		Version:   0,
		Phase:     model.PhasePlanning,
		UpNext:    []model.UpNextRef{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO canvases (id, user_id, purpose, status, version, phase, up_next, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $8)`,
		canvas.ID, canvas.UserID, canvas.Purpose, string(canvas.Status),
		canvas.Version, string(canvas.Phase), canvas.CreatedAt, canvas.UpdatedAt,
	)
	if err != nil {
		return model.Canvas{}, fmt.Errorf("storage: create canvas: %w", err)
	}
	return canvas, nil
}

// GetCanvas retrieves a canvas by id.
func (db *DB) GetCanvas(ctx context.Context, id uuid.UUID) (model.Canvas, error) {
	row := db.pool.QueryRow(ctx, canvasSelect+` WHERE id = $1`, id)
	return scanCanvas(row)
}

// GetCanvasForUser retrieves a canvas by id, scoped to its owner.
func (db *DB) GetCanvasForUser(ctx context.Context, id uuid.UUID, userID string) (model.Canvas, error) {
	row := db.pool.QueryRow(ctx, canvasSelect+` WHERE id = $1 AND user_id = $2`, id, userID)
	return scanCanvas(row)
}

// ArchiveCanvas marks a canvas archived. Archived canvases reject actions.
func (db *DB) ArchiveCanvas(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE canvases SET status = 'archived', updated_at = now() WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("storage: archive canvas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const canvasSelect = `SELECT id, user_id, purpose, status, version, phase, up_next, created_at, updated_at FROM canvases`

// GetCanvasForUpdate loads the canvas row under FOR UPDATE, serializing all
// concurrent writers for the canvas on this row lock.
func (t *CanvasTx) GetCanvasForUpdate(ctx context.Context) (model.Canvas, error) {
	row := t.tx.QueryRow(ctx, canvasSelect+` WHERE id = $1 FOR UPDATE`, t.canvasID)
	canvas, err := scanCanvas(row)
	if err != nil {
		return model.Canvas{}, err
	}
	if canvas.Status == model.CanvasStatusArchived {
		return model.Canvas{}, ErrCanvasArchived
	}
	return canvas, nil
}

// BumpVersion advances the canvas version, optionally moving the phase.
// The WHERE clause re-checks the old version as a belt against lock misuse.
func (t *CanvasTx) BumpVersion(ctx context.Context, newVersion int64, phase *model.Phase, now time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if phase != nil {
		tag, err = t.tx.Exec(ctx,
			`UPDATE canvases SET version = $1, phase = $2, updated_at = $3 WHERE id = $4 AND version = $1 - 1`,
			newVersion, string(*phase), now, t.canvasID)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE canvases SET version = $1, updated_at = $2 WHERE id = $3 AND version = $1 - 1`,
			newVersion, now, t.canvasID)
	}
	if err != nil {
		return fmt.Errorf("storage: bump canvas version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: bump canvas version: canvas %s moved underneath the row lock", t.canvasID)
	}
	return nil
}

// SetUpNext replaces the canvas upNext list.
func (t *CanvasTx) SetUpNext(ctx context.Context, refs []model.UpNextRef, now time.Time) error {
	if refs == nil {
		refs = []model.UpNextRef{}
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("storage: marshal up_next: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE canvases SET up_next = $1::jsonb, updated_at = $2 WHERE id = $3`,
		raw, now, t.canvasID)
	if err != nil {
		return fmt.Errorf("storage: set up_next: %w", err)
	}
	return nil
}

func scanCanvas(row pgx.Row) (model.Canvas, error) {
	var (
		c      model.Canvas
		upNext []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Purpose, &c.Status, &c.Version, &c.Phase, &upNext, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Canvas{}, ErrNotFound
		}
		return model.Canvas{}, fmt.Errorf("storage: scan canvas: %w", err)
	}
	if len(upNext) > 0 {
		if err := json.Unmarshal(upNext, &c.UpNext); err != nil {
			return model.Canvas{}, fmt.Errorf("storage: decode up_next: %w", err)
		}
	}
	if c.UpNext == nil {
		c.UpNext = []model.UpNextRef{}
	}
	return c, nil
}
