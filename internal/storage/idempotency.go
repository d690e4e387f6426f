package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/setforge-ai/setforge/internal/model"
)

// GetLedger looks up a prior action result for (canvas, key). Returns
// ok=false when the key is unknown or its retention window has lapsed.
// Reads inside the canvas transaction so a replay decision and the version
// check see the same state.
func (t *CanvasTx) GetLedger(ctx context.Context, key string, now time.Time) (model.ActionResult, bool, error) {
	var raw []byte
	err := t.tx.QueryRow(ctx,
		`SELECT result FROM idempotency_keys
		 WHERE canvas_id = $1 AND idempotency_key = $2 AND expires_at > $3`,
		t.canvasID, key, now,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ActionResult{}, false, nil
		}
		return model.ActionResult{}, false, fmt.Errorf("storage: get ledger: %w", err)
	}

	var result model.ActionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.ActionResult{}, false, fmt.Errorf("storage: decode ledger result: %w", err)
	}
	return result, true, nil
}

// PutLedger records the result of an applied action under its idempotency
// key. Written in the same transaction as the action, so a rolled back action
// leaves no ledger entry.
func (t *CanvasTx) PutLedger(ctx context.Context, key string, result model.ActionResult, expiresAt time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal ledger result: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (canvas_id, idempotency_key, result, created_at, expires_at)
		 VALUES ($1, $2, $3::jsonb, now(), $4)`,
		t.canvasID, key, raw, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: put ledger: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes ledger entries past their retention window.
// Run periodically; replay correctness only needs expires_at, this keeps the
// table small.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
