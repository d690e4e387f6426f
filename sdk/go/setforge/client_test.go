package setforge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires a fake Setforge server. Every test server issues tokens
// at /auth/token and counts how many it issued.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client, *atomic.Int32) {
	t.Helper()

	var tokenCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "sk-valid" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"UNAUTHORIZED","message":"invalid credentials"}}`)
			return
		}
		tokenCount.Add(1)
		fmt.Fprintf(w, `{"data":{"token":"tok-%d","expires_at":%q}}`,
			tokenCount.Load(), time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	if handler != nil {
		mux.HandleFunc("/", handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		UserID:  "user-1",
		APIKey:  "sk-valid",
	})
	require.NoError(t, err)
	return srv, client, &tokenCount
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{UserID: "u", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", UserID: "u"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://x/", UserID: "u", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "http://x", c.baseURL)
}

func TestTokenReuse(t *testing.T) {
	canvasID := uuid.New()
	_, client, tokenCount := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"data":{"canvas_id":%q,"version":0,"phase":"planning","cards":[],"up_next":[]}}`, canvasID)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.GetCanvas(ctx, canvasID)
		require.NoError(t, err)
	}

	// One token serves all three requests.
	assert.Equal(t, int32(1), tokenCount.Load())
}

func TestTokenRefreshWhenExpired(t *testing.T) {
	canvasID := uuid.New()
	_, client, tokenCount := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"canvas_id":%q,"version":0,"phase":"planning","cards":[],"up_next":[]}}`, canvasID)
	})

	ctx := context.Background()
	_, err := client.GetCanvas(ctx, canvasID)
	require.NoError(t, err)

	// Force the cached token inside the refresh margin.
	client.tokenMgr.mu.Lock()
	client.tokenMgr.expiresAt = time.Now().Add(10 * time.Second)
	client.tokenMgr.mu.Unlock()

	_, err = client.GetCanvas(ctx, canvasID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokenCount.Load())
}

func TestOpenCanvas(t *testing.T) {
	canvasID := uuid.New()
	sessionID := uuid.New()
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/canvases/open", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "workout", body["purpose"])
		assert.Equal(t, canvasID.String(), body["canvas_id"])

		fmt.Fprintf(w, `{"data":{"canvas_id":%q,"session_id":%q,"is_new_session":true,"resume_state":{"cards":[],"last_entry_cursor":4,"card_count":0}}}`,
			canvasID, sessionID)
	})

	resp, err := client.OpenCanvas(context.Background(), "workout", &canvasID)
	require.NoError(t, err)
	assert.Equal(t, canvasID, resp.CanvasID)
	assert.Equal(t, sessionID, resp.SessionID)
	assert.True(t, resp.IsNewSession)
	assert.Equal(t, int64(4), resp.ResumeState.LastEntryCursor)
}

func TestApplyAction_Defaults(t *testing.T) {
	canvasID := uuid.New()
	var got Action
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"data":{"success":true,"version":1}}`)
	})

	resp, err := client.ApplyAction(context.Background(), canvasID, Action{
		Type:    ActionAddInstruction,
		Payload: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.Version)

	// By and the idempotency key are filled in when omitted.
	assert.Equal(t, ActorUser, got.By)
	assert.NotEmpty(t, got.IdempotencyKey)
}

func TestApplyAction_StaleRetry(t *testing.T) {
	canvasID := uuid.New()
	var attempts []Action
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var act Action
		require.NoError(t, json.NewDecoder(r.Body).Decode(&act))
		attempts = append(attempts, act)

		if act.ExpectedVersion != 7 {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":{"code":"STALE_VERSION","message":"expected version 0, canvas is at 7","details":{"current_version":7}}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"success":true,"version":8}}`)
	})

	resp, err := client.ApplyAction(context.Background(), canvasID, Action{Type: ActionAddInstruction})
	require.NoError(t, err)
	assert.Equal(t, int64(8), resp.Version)

	require.Len(t, attempts, 2)
	assert.Equal(t, int64(0), attempts[0].ExpectedVersion)
	assert.Equal(t, int64(7), attempts[1].ExpectedVersion)
	// Resubmission reuses the same idempotency key.
	assert.Equal(t, attempts[0].IdempotencyKey, attempts[1].IdempotencyKey)
}

func TestApplyAction_RetriesBounded(t *testing.T) {
	canvasID := uuid.New()
	var calls int
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, `{"error":{"code":"STALE_VERSION","message":"stale","details":{"current_version":%d}}}`, calls)
	})

	_, err := client.ApplyAction(context.Background(), canvasID, Action{Type: ActionAddInstruction})
	require.Error(t, err)
	assert.True(t, IsStaleVersion(err))
	assert.Equal(t, 1+maxStaleRetries, calls)
}

func TestApplyAction_NonStaleErrorNotRetried(t *testing.T) {
	canvasID := uuid.New()
	var calls int
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprint(w, `{"error":{"code":"UNIMPLEMENTED","message":"EDIT_SET is not implemented"}}`)
	})

	_, err := client.ApplyAction(context.Background(), canvasID, Action{Type: "EDIT_SET"})
	require.Error(t, err)
	assert.True(t, IsUnimplemented(err))
	assert.Equal(t, 1, calls)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotImplemented, apiErr.StatusCode)
	assert.Equal(t, CodeUnimplemented, apiErr.Code)
	assert.Contains(t, apiErr.Message, "EDIT_SET")
}

func TestEvents_QueryParams(t *testing.T) {
	canvasID := uuid.New()
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/canvases/"+canvasID.String()+"/events", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("after"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `{"data":[{"id":%q,"canvas_id":%q,"seq":6,"action_type":"ADD_INSTRUCTION","actor":"user","created_at":%q}]}`,
			uuid.New(), canvasID, time.Now().UTC().Format(time.RFC3339))
	})

	events, err := client.Events(context.Background(), canvasID, 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].Seq)
	assert.Equal(t, ActionAddInstruction, events[0].ActionType)
}

func TestHealth_NoAuth(t *testing.T) {
	_, client, tokenCount := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"status":"healthy","version":"1.0.0","postgres":"connected","uptime_seconds":42}}`)
	})

	resp, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, int64(42), resp.Uptime)
	assert.Equal(t, int32(0), tokenCount.Load())
}

func TestHandleResponse_EnvelopeFallback(t *testing.T) {
	// An unwrapped body still decodes when no "data" key is present.
	canvasID := uuid.New()
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"canvas_id":%q,"version":3,"phase":"executing","cards":[],"up_next":[]}`, canvasID)
	})

	canvas, err := client.GetCanvas(context.Background(), canvasID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), canvas.Version)
	assert.Equal(t, "executing", canvas.Phase)
}

func TestParseErrorResponse_NonJSONBody(t *testing.T) {
	_, client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	})

	_, err := client.GetCanvas(context.Background(), uuid.New())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestAuthFailureSurfaces(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	client, err := NewClient(Config{BaseURL: srv.URL, UserID: "user-1", APIKey: "sk-wrong"})
	require.NoError(t, err)

	_, err = client.GetCanvas(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}
