package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCanvasArchived is returned when a write targets an archived canvas.
	ErrCanvasArchived = errors.New("storage: canvas is archived")
)
