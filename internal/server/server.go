package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/auth"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/lifecycle"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/ratelimit"
	"github.com/setforge-ai/setforge/internal/storage"
	"github.com/setforge-ai/setforge/internal/stream"
)

// Server is the Setforge HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Agent, Reconciler, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Engine *engine.Service
	Binder *lifecycle.Binder
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter    ratelimit.Limiter
	Broker     *Broker
	Agent      agentsvc.Client
	Reconciler *stream.Reconciler
	MCPServer  *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		Binder:              cfg.Binder,
		Reconciler:          cfg.Reconciler,
		Agent:               cfg.Agent,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Actions are the hot path; auth is the abuse path.
	actionRL := ratelimit.Middleware(cfg.Limiter, "actions", userKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Canvas lifecycle and actions (user+).
	userRole := requireRole(model.RoleUser)
	mux.Handle("POST /v1/canvases/open", queryRL(userRole(http.HandlerFunc(h.HandleOpenCanvas))))
	mux.Handle("POST /v1/canvases/{canvas_id}/actions", actionRL(userRole(http.HandlerFunc(h.HandleApplyAction))))
	mux.Handle("GET /v1/canvases/{canvas_id}", queryRL(userRole(http.HandlerFunc(h.HandleGetCanvas))))
	mux.Handle("GET /v1/canvases/{canvas_id}/events", queryRL(userRole(http.HandlerFunc(h.HandleListEvents))))

	// Long-lived streams (user+, no rate limit — one connection each).
	mux.Handle("GET /v1/canvases/{canvas_id}/subscribe", userRole(http.HandlerFunc(h.HandleSubscribe)))
	mux.Handle("POST /v1/canvases/{canvas_id}/converse", userRole(http.HandlerFunc(h.HandleConverse)))

	// MCP StreamableHTTP transport (auth required, user+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", userRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate limiting.
// Returns empty string for admin roles (exempt from rate limits).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.UserID
}

// Handlers returns the underlying Handlers for seeding and tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
