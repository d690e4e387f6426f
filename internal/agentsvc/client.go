// Package agentsvc is the client for the conversational agent service.
//
// The agent service owns the language model conversation; Setforge owns the
// canvas. Converse opens a server-sent event stream that the reconciler folds
// into canvas actions and display frames.
package agentsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
)

// EventType enumerates the frames an agent stream can carry.
type EventType string

const (
	EventThinking     EventType = "thinking"
	EventToolRunning  EventType = "toolRunning"
	EventToolComplete EventType = "toolComplete"
	EventMessage      EventType = "message"
	EventStatus       EventType = "status"
	EventArtifact     EventType = "artifact"
	EventError        EventType = "error"
	EventDone         EventType = "done"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one frame of the agent stream.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
	Message  string    `json:"message,omitempty"` // error detail on EventError
}

// Artifact is a structured output the agent wants placed on the canvas.
// The reconciler turns each one into a PROPOSE_CARD action.
type Artifact struct {
	CardType   model.CardType  `json:"card_type"`
	Lane       string          `json:"lane"`
	Content    json.RawMessage `json:"content"`
	Meta       model.CardMeta  `json:"meta"`
	SourceRefs []string        `json:"source_refs,omitempty"`
}

// ConverseRequest starts or continues a conversation turn.
type ConverseRequest struct {
	SessionID     uuid.UUID `json:"session_id"`
	CanvasID      uuid.UUID `json:"canvas_id"`
	UserID        string    `json:"user_id"`
	Message       string    `json:"message"`
	CanvasVersion int64     `json:"canvas_version"`
}

// Client streams agent turns. Implementations must close the returned channel
// when the stream ends, whether cleanly or not.
type Client interface {
	Converse(ctx context.Context, req ConverseRequest) (<-chan Event, error)
}

// TokenProvider supplies bearer tokens for the agent service.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HTTPClient talks SSE to a remote agent service.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	creds   TokenProvider
}

// NewHTTPClient creates a client for the agent service at baseURL. The
// underlying http.Client carries no overall timeout: streams are bounded by
// the request context and the reconciler's stall detection instead.
func NewHTTPClient(baseURL string, creds TokenProvider) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		creds:   creds,
	}
}

// Converse posts one turn and returns a channel of stream events. The channel
// closes when the server ends the stream or ctx is canceled; a transport
// error mid-stream surfaces as a synthetic EventError frame before close.
func (c *HTTPClient) Converse(ctx context.Context, convReq ConverseRequest) (<-chan Event, error) {
	body, err := json.Marshal(convReq)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: marshal converse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/converse", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("agentsvc: create converse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("agentsvc: fetch token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: converse request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agentsvc: converse failed with status %d", resp.StatusCode)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		if err := readSSE(ctx, resp.Body, events); err != nil && ctx.Err() == nil {
			select {
			case events <- Event{Type: EventError, Message: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}

// readSSE parses a text/event-stream body into Event frames. Frames arrive as
// "event: <type>" plus "data: <json>" pairs separated by blank lines.
func readSSE(ctx context.Context, body io.Reader, out chan<- Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		eventType string
		data      strings.Builder
	)
	flush := func() error {
		defer func() { eventType = ""; data.Reset() }()
		if eventType == "" && data.Len() == 0 {
			return nil
		}
		ev := Event{Type: EventType(eventType)}
		if data.Len() > 0 {
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("agentsvc: decode %s frame: %w", eventType, err)
			}
			if eventType != "" {
				ev.Type = EventType(eventType)
			}
		}
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agentsvc: read stream: %w", err)
	}
	return flush()
}
