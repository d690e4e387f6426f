package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/setforge-ai/setforge/internal/auth"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/lifecycle"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/server"
	"github.com/setforge-ai/setforge/internal/storage"
	"github.com/setforge-ai/setforge/migrations"
)

var (
	testDB      *storage.DB
	testJWT     *auth.JWTManager
	testHandler http.Handler
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "setforge",
			"POSTGRES_PASSWORD": "setforge",
			"POSTGRES_DB":       "setforge",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://setforge:setforge@%s:%s/setforge?sslmode=disable", host, port.Port())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	testDB, err = storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	testJWT, err = auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		os.Exit(1)
	}

	eng := engine.NewService(testDB, nil, logger)
	binder := lifecycle.NewBinder(testDB, "agent-v1", 30*time.Minute, logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              testJWT,
		Engine:              eng,
		Binder:              binder,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testHandler = srv.Handler()

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func issueToken(t *testing.T, userID string, role model.Role) string {
	t.Helper()
	token, _, err := testJWT.IssueToken(userID, role)
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the {data} envelope into target.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func openCanvas(t *testing.T, token string) model.OpenCanvasResponse {
	t.Helper()
	rec := doRequest(t, http.MethodPost, "/v1/canvases/open", token, map[string]any{"purpose": "workout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.OpenCanvasResponse
	decodeData(t, rec, &resp)
	return resp
}

func instructionBody(expectedVersion int64) map[string]any {
	return map[string]any{
		"action": map[string]any{
			"type":             "ADD_INSTRUCTION",
			"payload":          map[string]any{"text": "focus on form"},
			"by":               "user",
			"idempotency_key":  "it:" + uuid.NewString(),
			"expected_version": expectedVersion,
		},
	}
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HealthResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Postgres)
	assert.Equal(t, "test", resp.Version)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthRequired(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/canvases/open", "", map[string]any{"purpose": "workout"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Code)

	rec = doRequest(t, http.MethodPost, "/v1/canvases/open", "not-a-jwt", map[string]any{"purpose": "workout"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthToken(t *testing.T) {
	ctx := context.Background()
	userID := "token-user-" + uuid.NewString()[:8]
	apiKey := "sk-" + uuid.NewString()

	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)
	_, err = testDB.CreateAPIKey(ctx, userID, hash, model.RoleUser)
	require.NoError(t, err)

	rec := doRequest(t, http.MethodPost, "/auth/token", "", map[string]any{
		"user_id": userID,
		"api_key": apiKey,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.AuthTokenResponse
	decodeData(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	// The issued token works against an authenticated route.
	open := doRequest(t, http.MethodPost, "/v1/canvases/open", resp.Token, map[string]any{"purpose": "workout"})
	assert.Equal(t, http.StatusOK, open.Code)

	// Wrong key and unknown user both fail identically.
	rec = doRequest(t, http.MethodPost, "/auth/token", "", map[string]any{
		"user_id": userID,
		"api_key": "sk-wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, http.MethodPost, "/auth/token", "", map[string]any{
		"user_id": "nobody-" + uuid.NewString()[:8],
		"api_key": apiKey,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenCanvas_ReuseAndRebind(t *testing.T) {
	userID := "open-user-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)

	first := openCanvas(t, token)
	assert.True(t, first.IsNewSession)
	assert.Zero(t, first.ResumeState.CardCount)

	// A prompt reopen reuses the live binding.
	second := openCanvas(t, token)
	assert.False(t, second.IsNewSession)
	assert.Equal(t, first.CanvasID, second.CanvasID)
	assert.Equal(t, first.SessionID, second.SessionID)

	// Pinning the canvas explicitly always mints a fresh session.
	rec := doRequest(t, http.MethodPost, "/v1/canvases/open", token, map[string]any{
		"purpose":   "workout",
		"canvas_id": first.CanvasID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var pinned model.OpenCanvasResponse
	decodeData(t, rec, &pinned)
	assert.True(t, pinned.IsNewSession)
	assert.Equal(t, first.CanvasID, pinned.CanvasID)
	assert.NotEqual(t, first.SessionID, pinned.SessionID)
}

func TestOpenCanvas_FreshStartArchivesSupersededCanvas(t *testing.T) {
	ctx := context.Background()
	userID := "archive-user-" + uuid.NewString()[:8]
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	oldBinder := lifecycle.NewBinder(testDB, "agent-v1", 30*time.Minute, logger)
	first, resumed, err := oldBinder.Open(ctx, userID, "workout", nil)
	require.NoError(t, err)
	assert.False(t, resumed)

	// A new agent version forces a fresh canvas; the superseded one must stop
	// accepting actions.
	newBinder := lifecycle.NewBinder(testDB, "agent-v2", 30*time.Minute, logger)
	second, resumed, err := newBinder.Open(ctx, userID, "workout", nil)
	require.NoError(t, err)
	assert.False(t, resumed)
	require.NotEqual(t, first.CanvasID, second.CanvasID)

	old, err := testDB.GetCanvas(ctx, first.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, model.CanvasStatusArchived, old.Status)

	err = testDB.WithCanvasTx(ctx, first.CanvasID, func(tx *storage.CanvasTx) error {
		_, err := tx.GetCanvasForUpdate(ctx)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrCanvasArchived)

	fresh, err := testDB.GetCanvas(ctx, second.CanvasID)
	require.NoError(t, err)
	assert.Equal(t, model.CanvasStatusActive, fresh.Status)
}

func TestOpenCanvas_InvalidPurpose(t *testing.T) {
	token := issueToken(t, "purpose-user", model.RoleUser)
	rec := doRequest(t, http.MethodPost, "/v1/canvases/open", token, map[string]any{"purpose": "Bad Purpose!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidArgument, decodeError(t, rec).Code)
}

func TestApplyAction_HappyPath(t *testing.T) {
	userID := "apply-user-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)

	rec := doRequest(t, http.MethodPost, "/v1/canvases/"+canvas.CanvasID.String()+"/actions", token, instructionBody(0))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.ApplyActionResponse
	decodeData(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.Version)
	assert.False(t, resp.Replayed)
}

func TestApplyAction_Replay(t *testing.T) {
	userID := "replay-http-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)

	body := instructionBody(0)
	path := "/v1/canvases/" + canvas.CanvasID.String() + "/actions"

	first := doRequest(t, http.MethodPost, path, token, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(t, http.MethodPost, path, token, body)
	require.Equal(t, http.StatusOK, second.Code)
	var resp model.ApplyActionResponse
	decodeData(t, second, &resp)
	assert.True(t, resp.Replayed)
	assert.Equal(t, int64(1), resp.Version)
}

func TestApplyAction_StaleVersion(t *testing.T) {
	userID := "stale-http-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)
	path := "/v1/canvases/" + canvas.CanvasID.String() + "/actions"

	rec := doRequest(t, http.MethodPost, path, token, instructionBody(0))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, http.MethodPost, path, token, instructionBody(0))
	require.Equal(t, http.StatusConflict, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeStaleVersion, detail.Code)
	details, ok := detail.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), details["current_version"])
}

func TestApplyAction_ActorEnforcement(t *testing.T) {
	userID := "actor-user-" + uuid.NewString()[:8]
	userToken := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, userToken)
	path := "/v1/canvases/" + canvas.CanvasID.String() + "/actions"

	agentAction := map[string]any{
		"action": map[string]any{
			"type":             "PROPOSE_CARD",
			"payload":          map[string]any{"card_type": "set_target", "lane": "bench_press:0", "content": map[string]any{"exercise_id": "bench_press", "set_index": 0, "reps": 8, "weight_kg": 60}, "meta": map[string]any{"priority": 5}},
			"by":               "agent",
			"idempotency_key":  "it:" + uuid.NewString(),
			"expected_version": 0,
		},
	}

	// A user token cannot impersonate the agent.
	rec := doRequest(t, http.MethodPost, path, userToken, agentAction)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, decodeError(t, rec).Code)

	// An agent token can.
	agentToken := issueToken(t, "coach-agent", model.RoleAgent)
	rec = doRequest(t, http.MethodPost, path, agentToken, agentAction)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestApplyAction_UnknownType(t *testing.T) {
	userID := "unimpl-user-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)

	body := map[string]any{
		"action": map[string]any{
			"type":             "EDIT_SET",
			"payload":          map[string]any{},
			"by":               "user",
			"idempotency_key":  "it:" + uuid.NewString(),
			"expected_version": 0,
		},
	}
	rec := doRequest(t, http.MethodPost, "/v1/canvases/"+canvas.CanvasID.String()+"/actions", token, body)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, model.ErrCodeUnimplemented, decodeError(t, rec).Code)
}

func TestApplyAction_MalformedBody(t *testing.T) {
	userID := "badbody-user-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)
	path := "/v1/canvases/" + canvas.CanvasID.String() + "/actions"

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"action": `)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty body is its own message.
	rec = doRequest(t, http.MethodPost, path, token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCanvas_OwnerScoping(t *testing.T) {
	ownerID := "owner-" + uuid.NewString()[:8]
	ownerToken := issueToken(t, ownerID, model.RoleUser)
	canvas := openCanvas(t, ownerToken)
	path := "/v1/canvases/" + canvas.CanvasID.String()

	rec := doRequest(t, http.MethodGet, path, ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap model.CanvasSnapshot
	decodeData(t, rec, &snap)
	assert.Equal(t, canvas.CanvasID, snap.CanvasID)
	assert.Equal(t, int64(0), snap.Version)
	assert.NotNil(t, snap.Cards)

	// Another user's canvas reads as missing, not forbidden.
	otherToken := issueToken(t, "intruder-"+uuid.NewString()[:8], model.RoleUser)
	rec = doRequest(t, http.MethodGet, path, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Agents see everything.
	agentToken := issueToken(t, "coach-agent", model.RoleAgent)
	rec = doRequest(t, http.MethodGet, path, agentToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCanvas_BadID(t *testing.T) {
	token := issueToken(t, "badid-user", model.RoleUser)

	rec := doRequest(t, http.MethodGet, "/v1/canvases/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, http.MethodGet, "/v1/canvases/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	userID := "events-user-" + uuid.NewString()[:8]
	token := issueToken(t, userID, model.RoleUser)
	canvas := openCanvas(t, token)
	actionsPath := "/v1/canvases/" + canvas.CanvasID.String() + "/actions"

	for v := int64(0); v < 3; v++ {
		rec := doRequest(t, http.MethodPost, actionsPath, token, instructionBody(v))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	eventsPath := "/v1/canvases/" + canvas.CanvasID.String() + "/events"
	rec := doRequest(t, http.MethodGet, eventsPath+"?after=1&limit=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []model.WorkspaceEvent
	decodeData(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, model.ActionAddInstruction, events[0].ActionType)

	rec = doRequest(t, http.MethodGet, eventsPath+"?after=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, http.MethodGet, eventsPath+"?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
