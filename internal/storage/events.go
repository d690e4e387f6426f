package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/setforge-ai/setforge/internal/model"
)

// ChannelCanvas is the Postgres NOTIFY channel that carries one payload per
// appended workspace event. The SSE broker listens here.
const ChannelCanvas = "setforge_canvas"

// CanvasNotification is the JSON payload sent on ChannelCanvas.
type CanvasNotification struct {
	CanvasID uuid.UUID `json:"canvas_id"`
	Seq      int64     `json:"seq"`
}

const eventSelect = `SELECT id, canvas_id, seq, action_type, actor, changed_card_ids, correlation_id, payload, created_at FROM workspace_events`

// AppendEvent appends one workspace event and queues the canvas notification.
// pg_notify inside the transaction means listeners only ever see committed
// events. Seq equals the canvas version the action produced.
func (t *CanvasTx) AppendEvent(ctx context.Context, ev model.WorkspaceEvent) error {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO workspace_events (id, canvas_id, seq, action_type, actor, changed_card_ids, correlation_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.CanvasID, ev.Seq, string(ev.ActionType), string(ev.Actor),
		ev.ChangedCardIDs, ev.CorrelationID, ev.Payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}

	note, err := json.Marshal(CanvasNotification{CanvasID: ev.CanvasID, Seq: ev.Seq})
	if err != nil {
		return fmt.Errorf("storage: marshal canvas notification: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelCanvas, string(note)); err != nil {
		return fmt.Errorf("storage: notify canvas: %w", err)
	}
	return nil
}

// LastUndoable returns the most recent non-UNDO event by the given actor that
// recorded pre-image revisions, together with those revisions.
func (t *CanvasTx) LastUndoable(ctx context.Context, actor model.Actor) (*model.WorkspaceEvent, []model.CardRevision, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT e.id, e.canvas_id, e.seq, e.action_type, e.actor, e.changed_card_ids, e.correlation_id, e.payload, e.created_at
		 FROM workspace_events e
		 WHERE e.canvas_id = $1 AND e.actor = $2 AND e.action_type <> 'UNDO'
		   AND EXISTS (SELECT 1 FROM card_revisions r WHERE r.canvas_id = e.canvas_id AND r.version = e.seq)
		 ORDER BY e.seq DESC LIMIT 1`,
		t.canvasID, string(actor))
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := t.tx.Query(ctx,
		`SELECT id, card_id, canvas_id, version, actor, status, content, created_at
		 FROM card_revisions WHERE canvas_id = $1 AND version = $2 ORDER BY created_at, id`,
		t.canvasID, ev.Seq)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: revisions for version: %w", err)
	}
	defer rows.Close()

	var revs []model.CardRevision
	for rows.Next() {
		var (
			r       model.CardRevision
			content []byte
		)
		if err := rows.Scan(&r.ID, &r.CardID, &r.CanvasID, &r.Version, &r.Actor, &r.Status, &content, &r.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("storage: scan revision: %w", err)
		}
		r.Content = content
		revs = append(revs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: iterate revisions: %w", err)
	}
	return &ev, revs, nil
}

// ListEvents returns workspace events with seq greater than afterSeq in
// ascending order. afterSeq 0 replays from the beginning.
func (db *DB) ListEvents(ctx context.Context, canvasID uuid.UUID, afterSeq int64, limit int) ([]model.WorkspaceEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		eventSelect+` WHERE canvas_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		canvasID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkspaceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate events: %w", err)
	}
	return events, nil
}

// GetEvent loads a single event by canvas and seq, used by the SSE broker to
// hydrate notifications.
func (db *DB) GetEvent(ctx context.Context, canvasID uuid.UUID, seq int64) (model.WorkspaceEvent, error) {
	row := db.pool.QueryRow(ctx, eventSelect+` WHERE canvas_id = $1 AND seq = $2`, canvasID, seq)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkspaceEvent{}, ErrNotFound
		}
		return model.WorkspaceEvent{}, err
	}
	return ev, nil
}

func scanEvent(row pgx.Row) (model.WorkspaceEvent, error) {
	var ev model.WorkspaceEvent
	err := row.Scan(&ev.ID, &ev.CanvasID, &ev.Seq, &ev.ActionType, &ev.Actor,
		&ev.ChangedCardIDs, &ev.CorrelationID, &ev.Payload, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkspaceEvent{}, err
		}
		return model.WorkspaceEvent{}, fmt.Errorf("storage: scan event: %w", err)
	}
	return ev, nil
}
