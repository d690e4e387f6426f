// Package materialize turns accepted plan cards into durable routines.
//
// Acceptance happens inside the canvas transaction; materialization runs
// after commit and is best effort. The routines table keeps a copy of the
// accepted content keyed by card id, so replays are idempotent.
package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/storage"
)

// Writer persists accepted plan cards as routines.
type Writer struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewWriter(db *storage.DB, logger *slog.Logger) *Writer {
	return &Writer{db: db, logger: logger.With(slog.String("component", "materialize"))}
}

// MaterializeCard upserts one accepted card into the routines table.
// ON CONFLICT DO NOTHING keeps a re-delivered directive from duplicating.
func (w *Writer) MaterializeCard(ctx context.Context, canvasID uuid.UUID, d engine.MaterializeDirective) error {
	_, err := w.db.Pool().Exec(ctx,
		`INSERT INTO routines (id, canvas_id, card_id, card_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (card_id) DO NOTHING`,
		uuid.New(), canvasID, d.CardID, string(d.Type), []byte(d.Content),
	)
	if err != nil {
		return fmt.Errorf("materialize: insert routine: %w", err)
	}

	w.logger.DebugContext(ctx, "card materialized",
		slog.String("canvas_id", canvasID.String()),
		slog.String("card_id", d.CardID.String()),
		slog.String("card_type", string(d.Type)))
	return nil
}
