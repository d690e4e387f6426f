package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
)

// GetActiveAPIKeysForUser returns the non-revoked API keys for a user.
// The caller verifies the presented key against each hash.
func (db *DB) GetActiveAPIKeysForUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, key_hash, role, created_at, revoked_at
		 FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("storage: api keys for user: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Role, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CreateAPIKey stores a hashed credential for a user.
func (db *DB) CreateAPIKey(ctx context.Context, userID, keyHash string, role model.Role) (model.APIKey, error) {
	key := model.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		KeyHash:   keyHash,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.UserID, key.KeyHash, string(key.Role), key.CreatedAt)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// RevokeAPIKey retires a credential.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
