package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and sends each canvas notification to that canvas's subscriber channels.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan []byte]struct{}),
	}
}

// Start begins listening on the canvas channel.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelCanvas); err != nil {
		b.logger.Error("broker: listen canvas", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelCanvas)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var note storage.CanvasNotification
		if err := json.Unmarshal([]byte(payload), &note); err != nil {
			b.logger.Warn("broker: malformed notification payload", "error", err)
			continue
		}

		b.broadcast(note.CanvasID, formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events for one
// canvas. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(canvasID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	if b.subscribers[canvasID] == nil {
		b.subscribers[canvasID] = make(map[chan []byte]struct{})
	}
	b.subscribers[canvasID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(canvasID uuid.UUID, ch chan []byte) {
	b.mu.Lock()
	if subs := b.subscribers[canvasID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subscribers, canvasID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to a canvas's subscribers. Slow subscribers that
// have a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others; they resync from GET /events.
func (b *Broker) broadcast(canvasID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[canvasID] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
