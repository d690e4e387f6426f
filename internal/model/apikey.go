package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a stored credential used to mint JWTs at /auth/token.
// Only the Argon2id hash is kept; the raw key is shown once at creation.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	KeyHash   string     `json:"-"`
	Role      Role       `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
