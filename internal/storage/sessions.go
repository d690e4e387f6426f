package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/setforge-ai/setforge/internal/model"
)

// GetActiveBinding returns the current non-superseded session binding for
// (userID, purpose), or ErrNotFound.
func (db *DB) GetActiveBinding(ctx context.Context, userID, purpose string) (model.SessionBinding, error) {
	var b model.SessionBinding
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, purpose, session_id, canvas_id, agent_version, last_used_at, created_at, superseded_at
		 FROM session_bindings
		 WHERE user_id = $1 AND purpose = $2 AND superseded_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		userID, purpose,
	).Scan(&b.ID, &b.UserID, &b.Purpose, &b.SessionID, &b.CanvasID, &b.AgentVersion,
		&b.LastUsedAt, &b.CreatedAt, &b.SupersededAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SessionBinding{}, ErrNotFound
		}
		return model.SessionBinding{}, fmt.Errorf("storage: get binding: %w", err)
	}
	return b, nil
}

// CreateBinding inserts a new session binding.
func (db *DB) CreateBinding(ctx context.Context, b model.SessionBinding) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO session_bindings (id, user_id, purpose, session_id, canvas_id, agent_version, last_used_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.UserID, b.Purpose, b.SessionID, b.CanvasID, b.AgentVersion, b.LastUsedAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create binding: %w", err)
	}
	return nil
}

// TouchBinding refreshes a binding's last_used_at, extending its idle window.
func (db *DB) TouchBinding(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE session_bindings SET last_used_at = $1 WHERE id = $2 AND superseded_at IS NULL`,
		now, id)
	if err != nil {
		return fmt.Errorf("storage: touch binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedeBinding retires a binding. Idempotent: retiring an already
// superseded binding is a no-op.
func (db *DB) SupersedeBinding(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE session_bindings SET superseded_at = $1 WHERE id = $2 AND superseded_at IS NULL`,
		now, id)
	if err != nil {
		return fmt.Errorf("storage: supersede binding: %w", err)
	}
	return nil
}
