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

const cardSelect = `SELECT id, canvas_id, type, status, lane, content, draft_id, group_id, priority, source_refs, created_at, updated_at FROM cards`

// CardsForCanvas returns the cards of a canvas that are still worth showing,
// oldest first. This is the read used for snapshots and resume state.
// Rejected cards are excluded along with expired ones: a resumed client has
// no use for proposals the user already turned down, and the event timeline
// keeps the full record.
func (db *DB) CardsForCanvas(ctx context.Context, canvasID uuid.UUID) ([]model.Card, error) {
	rows, err := db.pool.Query(ctx,
		cardSelect+` WHERE canvas_id = $1 AND status NOT IN ('rejected', 'expired') ORDER BY created_at, id`,
		canvasID)
	if err != nil {
		return nil, fmt.Errorf("storage: cards for canvas: %w", err)
	}
	return scanCards(rows)
}

// ActiveCards returns all non-terminal cards of the canvas inside the
// transaction, oldest first. The reducer dispatches over this set.
func (t *CanvasTx) ActiveCards(ctx context.Context) ([]model.Card, error) {
	rows, err := t.tx.Query(ctx,
		cardSelect+` WHERE canvas_id = $1 AND status IN ('proposed', 'accepted') ORDER BY created_at, id`,
		t.canvasID)
	if err != nil {
		return nil, fmt.Errorf("storage: active cards: %w", err)
	}
	return scanCards(rows)
}

// GetCard loads one card of the canvas regardless of status.
func (t *CanvasTx) GetCard(ctx context.Context, id uuid.UUID) (model.Card, error) {
	row := t.tx.QueryRow(ctx, cardSelect+` WHERE id = $1 AND canvas_id = $2`, id, t.canvasID)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Card{}, ErrNotFound
		}
		return model.Card{}, err
	}
	return card, nil
}

// InsertCard creates a card row.
func (t *CanvasTx) InsertCard(ctx context.Context, c model.Card) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO cards (id, canvas_id, type, status, lane, content, draft_id, group_id, priority, source_refs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.CanvasID, string(c.Type), string(c.Status), c.Lane, []byte(c.Content),
		c.Meta.DraftID, c.Meta.GroupID, c.Meta.Priority, c.SourceRefs, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert card: %w", err)
	}
	return nil
}

// UpdateCard rewrites a card's mutable columns.
func (t *CanvasTx) UpdateCard(ctx context.Context, c model.Card) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE cards SET status = $1, lane = $2, content = $3, updated_at = $4
		 WHERE id = $5 AND canvas_id = $6`,
		string(c.Status), c.Lane, []byte(c.Content), c.UpdatedAt, c.ID, t.canvasID,
	)
	if err != nil {
		return fmt.Errorf("storage: update card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update card: %w", ErrNotFound)
	}
	return nil
}

// ExpireCards marks the given cards expired.
func (t *CanvasTx) ExpireCards(ctx context.Context, ids []uuid.UUID, now time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE cards SET status = 'expired', updated_at = $1 WHERE canvas_id = $2 AND id = ANY($3)`,
		now, t.canvasID, ids)
	if err != nil {
		return fmt.Errorf("storage: expire cards: %w", err)
	}
	return nil
}

// InsertRevisions records pre-image revisions for the cards an action mutates.
func (t *CanvasTx) InsertRevisions(ctx context.Context, revs []model.CardRevision) error {
	for _, r := range revs {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO card_revisions (id, card_id, canvas_id, version, actor, status, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.CardID, r.CanvasID, r.Version, string(r.Actor), string(r.Status), []byte(r.Content), r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert revision: %w", err)
		}
	}
	return nil
}

func scanCards(rows pgx.Rows) ([]model.Card, error) {
	defer rows.Close()
	var cards []model.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate cards: %w", err)
	}
	return cards, nil
}

func scanCard(row pgx.Row) (model.Card, error) {
	var (
		c       model.Card
		content []byte
	)
	err := row.Scan(&c.ID, &c.CanvasID, &c.Type, &c.Status, &c.Lane, &content,
		&c.Meta.DraftID, &c.Meta.GroupID, &c.Meta.Priority, &c.SourceRefs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Card{}, err
		}
		return model.Card{}, fmt.Errorf("storage: scan card: %w", err)
	}
	c.Content = content
	return c, nil
}
