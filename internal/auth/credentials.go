package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// CredentialProvider fetches and caches a bearer token for an upstream
// service, refreshing ahead of expiry. It is safe for concurrent use.
type CredentialProvider struct {
	tokenURL string
	clientID string
	apiKey   string
	client   *http.Client
	margin   time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCredentialProvider creates a provider against a token endpoint that
// accepts {client_id, api_key} and returns {token, expires_at}.
func NewCredentialProvider(tokenURL, clientID, apiKey string) *CredentialProvider {
	return &CredentialProvider{
		tokenURL: tokenURL,
		clientID: clientID,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		margin:   30 * time.Second,
	}
}

// Token returns a cached token, refreshing when within the expiry margin.
func (p *CredentialProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt.Add(-p.margin)) {
		return p.token, nil
	}

	if err := p.refresh(ctx); err != nil {
		return "", err
	}
	return p.token, nil
}

type credentialRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

type credentialResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *CredentialProvider) refresh(ctx context.Context) error {
	body, err := json.Marshal(credentialRequest{ClientID: p.clientID, APIKey: p.apiKey})
	if err != nil {
		return fmt.Errorf("auth: marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("auth: create credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: credential request failed with status %d", resp.StatusCode)
	}

	var cr credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("auth: decode credential response: %w", err)
	}

	p.token = cr.Token
	p.expiresAt = cr.ExpiresAt
	return nil
}
