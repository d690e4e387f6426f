package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/auth"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/lifecycle"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/storage"
	"github.com/setforge-ai/setforge/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	engine              *engine.Service
	binder              *lifecycle.Binder
	reconciler          *stream.Reconciler
	agent               agentsvc.Client
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Agent, Reconciler.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Engine              *engine.Service
	Binder              *lifecycle.Binder
	Reconciler          *stream.Reconciler
	Agent               agentsvc.Client
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		engine:              d.Engine,
		binder:              d.Binder,
		reconciler:          d.Reconciler,
		agent:               d.Agent,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
// Verifies the presented API key against the stored Argon2id hashes.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUserID(req.UserID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	keys, err := h.db.GetActiveAPIKeysForUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "credential lookup failed")
		return
	}

	var matched *model.APIKey
	for i := range keys {
		valid, verr := auth.VerifyAPIKey(req.APIKey, keys[i].KeyHash)
		if verr != nil || !valid {
			continue
		}
		matched = &keys[i]
		break
	}
	if matched == nil {
		if len(keys) == 0 {
			// Equalize timing so the response doesn't reveal whether the
			// user exists.
			auth.DummyVerify()
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(matched.UserID, matched.Role)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "token issuance failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	brokerStatus := ""
	if h.broker != nil {
		brokerStatus = "listening"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Broker:   brokerStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}
