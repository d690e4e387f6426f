// Package stream folds agent event streams into canvas actions.
//
// The agent service emits an ordered stream per conversation turn. The
// reconciler forwards display frames to the client verbatim, accumulates
// message text, and turns artifact frames into PROPOSE_CARD actions through
// the engine. Card writes only ever happen through the reducer; the stream
// never touches storage directly.
package stream

import (
	"context"

	"github.com/google/uuid"
)

// FrameType enumerates the display frames forwarded to the client.
type FrameType string

const (
	FrameThinking     FrameType = "thinking"
	FrameToolRunning  FrameType = "toolRunning"
	FrameToolComplete FrameType = "toolComplete"
	FrameDelta        FrameType = "delta"
	FrameMessage      FrameType = "message"
	FrameStatus       FrameType = "status"
	FrameCardProposed FrameType = "cardProposed"
	FrameError        FrameType = "error"
	FrameDone         FrameType = "done"
)

// Frame is one display-layer frame sent to the conversation client.
type Frame struct {
	Type    FrameType   `json:"type"`
	Text    string      `json:"text,omitempty"`
	Tool    string      `json:"tool,omitempty"`
	CardIDs []uuid.UUID `json:"card_ids,omitempty"`
	Version int64       `json:"version,omitempty"`
	Err     string      `json:"error,omitempty"`
}

// Sink receives display frames. Implementations are typically SSE writers;
// a Send error means the client is gone and the fold should stop forwarding.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Send(ctx context.Context, f Frame) error { return fn(ctx, f) }
