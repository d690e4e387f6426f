package setforge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxStaleRetries bounds automatic resubmission after a STALE_VERSION
// conflict in ApplyAction.
const maxStaleRetries = 2

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Setforge server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID identifies the caller for authentication.
	UserID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Setforge canvas API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	userID   string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, UserID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("setforge: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("setforge: UserID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("setforge: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		userID:   cfg.UserID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient),
	}, nil
}

// OpenCanvas resolves a session binding for the given purpose. A live
// session is reused; otherwise a fresh canvas is created. Passing a
// non-nil canvasID rebinds to that canvas under a fresh session.
func (c *Client) OpenCanvas(ctx context.Context, purpose string, canvasID *uuid.UUID) (*OpenCanvasResponse, error) {
	body := map[string]any{"purpose": purpose}
	if canvasID != nil {
		body["canvas_id"] = canvasID.String()
	}
	var resp OpenCanvasResponse
	if err := c.post(ctx, "/v1/canvases/open", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCanvas retrieves the current canvas snapshot: version, phase, cards,
// and the up-next queue.
func (c *Client) GetCanvas(ctx context.Context, canvasID uuid.UUID) (*Canvas, error) {
	var resp Canvas
	if err := c.get(ctx, "/v1/canvases/"+canvasID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApplyAction submits an action to the canvas reducer. On a STALE_VERSION
// conflict the action is resubmitted at the server's reported version, at
// most maxStaleRetries times; the idempotency key makes resubmission safe.
// Actions without an idempotency key get one generated.
func (c *Client) ApplyAction(ctx context.Context, canvasID uuid.UUID, action Action) (*ApplyActionResponse, error) {
	if action.By == "" {
		action.By = ActorUser
	}
	if action.IdempotencyKey == "" {
		action.IdempotencyKey = uuid.NewString()
	}

	path := "/v1/canvases/" + canvasID.String() + "/actions"
	for attempt := 0; ; attempt++ {
		var resp ApplyActionResponse
		err := c.post(ctx, path, action, &resp)
		if err == nil {
			return &resp, nil
		}
		if !IsStaleVersion(err) || attempt >= maxStaleRetries {
			return nil, err
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		action.ExpectedVersion = apiErr.CurrentVersion
	}
}

// Events retrieves the canvas event log after the given sequence number.
// A limit of 0 uses the server default.
func (c *Client) Events(ctx context.Context, canvasID uuid.UUID, afterSeq int64, limit int) ([]Event, error) {
	params := url.Values{}
	if afterSeq > 0 {
		params.Set("after", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/canvases/" + canvasID.String() + "/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Event
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("setforge: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("setforge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("setforge: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("setforge: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("setforge: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("setforge: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("setforge: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("setforge: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if envelope.Error.Details != nil {
			var details struct {
				CurrentVersion int64 `json:"current_version"`
			}
			if err := json.Unmarshal(envelope.Error.Details, &details); err == nil {
				apiErr.CurrentVersion = details.CurrentVersion
			}
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
