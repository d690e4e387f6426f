package model

import (
	"fmt"
)

// Field length limits for caller-controlled text. These keep a single
// oversized field from filling Postgres TEXT columns with garbage.
const (
	MaxUserIDLen      = 255
	MaxPurposeLen     = 100
	MaxLaneLen        = 200
	MaxInstructionLen = 16 * 1024 // 16 KB
	MaxNoteLen        = 8 * 1024  // 8 KB
	MaxContentLen     = 64 * 1024 // 64 KB
)

// ValidateUserID checks that a user id is non-empty, bounded, and contains
// only URL- and log-safe characters.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(id) > MaxUserIDLen {
		return fmt.Errorf("user_id must be at most %d characters", MaxUserIDLen)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '@':
		default:
			return fmt.Errorf("user_id contains invalid character %q", c)
		}
	}
	return nil
}

// ValidatePurpose checks a canvas purpose tag: lowercase snake, bounded.
func ValidatePurpose(p string) error {
	if p == "" {
		return fmt.Errorf("purpose is required")
	}
	if len(p) > MaxPurposeLen {
		return fmt.Errorf("purpose must be at most %d characters", MaxPurposeLen)
	}
	for i, c := range p {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		case c == '_' && i > 0:
		default:
			if i == 0 {
				return fmt.Errorf("purpose must start with a lowercase letter")
			}
			return fmt.Errorf("purpose contains invalid character %q", c)
		}
	}
	return nil
}

// ValidateLane checks a replacement lane key.
func ValidateLane(lane string) error {
	if lane == "" {
		return fmt.Errorf("lane is required")
	}
	if len(lane) > MaxLaneLen {
		return fmt.Errorf("lane must be at most %d characters", MaxLaneLen)
	}
	return nil
}
