package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CanvasTx is a single canvas-scoped write transaction. All reads and writes
// go through the same pgx.Tx, so the FOR UPDATE row lock taken by
// GetCanvasForUpdate serializes writers for the canvas until commit.
type CanvasTx struct {
	tx       pgx.Tx
	canvasID uuid.UUID
}

// WithCanvasTx runs fn inside a transaction scoped to one canvas, committing
// on nil and rolling back on error. Serialization failures and deadlocks are
// retried with jittered backoff; fn must be safe to re-run.
func (db *DB) WithCanvasTx(ctx context.Context, canvasID uuid.UUID, fn func(tx *CanvasTx) error) error {
	return WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin canvas tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		if err := fn(&CanvasTx{tx: tx, canvasID: canvasID}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit canvas tx: %w", err)
		}
		return nil
	})
}
