package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/setforge-ai/setforge/internal/agentsvc"
	"github.com/setforge-ai/setforge/internal/auth"
	"github.com/setforge-ai/setforge/internal/config"
	"github.com/setforge-ai/setforge/internal/engine"
	"github.com/setforge-ai/setforge/internal/lifecycle"
	"github.com/setforge-ai/setforge/internal/materialize"
	"github.com/setforge-ai/setforge/internal/mcp"
	"github.com/setforge-ai/setforge/internal/model"
	"github.com/setforge-ai/setforge/internal/ratelimit"
	"github.com/setforge-ai/setforge/internal/server"
	"github.com/setforge-ai/setforge/internal/storage"
	"github.com/setforge-ai/setforge/internal/stream"
	"github.com/setforge-ai/setforge/internal/telemetry"
	"github.com/setforge-ai/setforge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SETFORGE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("setforge starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Seed a dev API key if configured. Idempotence doesn't matter here:
	// extra rows for the same user still verify.
	if cfg.SeedUserID != "" {
		if err := seedAPIKey(ctx, db, cfg.SeedUserID, cfg.SeedAPIKey); err != nil {
			slog.Warn("api key seed failed", "error", err)
		}
	}

	// Create the action engine with its routine materializer.
	writer := materialize.NewWriter(db, logger)
	eng := engine.NewService(db, writer, logger)

	// Create the session lifecycle binder.
	binder := lifecycle.NewBinder(db, cfg.AgentVersion, cfg.SessionTTL, logger)

	// Create the agent service client and stream reconciler (optional —
	// disabled if SETFORGE_AGENT_URL is empty; /converse returns 503).
	var agent agentsvc.Client
	var reconciler *stream.Reconciler
	if cfg.AgentServiceURL != "" {
		creds := auth.NewCredentialProvider(cfg.AgentServiceURL+"/v1/token", cfg.AgentClientID, cfg.AgentAPIKey)
		agent = agentsvc.NewHTTPClient(cfg.AgentServiceURL, creds)
		reconciler = stream.NewReconciler(eng, logger)
		reconciler.SetStallTimeout(cfg.StreamStallTimeout)
		logger.Info("agent service: enabled", "url", cfg.AgentServiceURL)
	} else {
		logger.Info("agent service: disabled (no SETFORGE_AGENT_URL)")
	}

	// Create MCP server.
	mcpSrv := mcp.New(db, eng, binder, logger)

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Create rate limiter.
	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()

	// Create the HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              eng,
		Binder:              binder,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Agent:               agent,
		Reconciler:          reconciler,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Background workers and the HTTP server share one errgroup: any fatal
	// error cancels the group context and unwinds the rest.
	g, gctx := errgroup.WithContext(ctx)

	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}

	// Sweep expired idempotency ledger entries in the background.
	g.Go(func() error {
		ledgerCleanupLoop(gctx, db, logger, cfg.LedgerCleanupEvery)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown: on signal or fatal error, stop accepting new HTTP
	// requests and drain in-flight ones. Canvas writes are
	// single-transaction, so nothing else needs draining.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("setforge shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("setforge stopped")
	return nil
}

// seedAPIKey hashes and stores a bootstrap API key for the dev user.
func seedAPIKey(ctx context.Context, db *storage.DB, userID, apiKey string) error {
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	if _, err := db.CreateAPIKey(ctx, userID, hash, model.RoleUser); err != nil {
		return err
	}
	slog.Info("seeded api key", "user_id", userID)
	return nil
}

// ledgerCleanupLoop periodically deletes expired idempotency ledger rows.
// Replays only consult unexpired rows, so the sweep is purely hygienic.
func ledgerCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupIdempotencyKeys(ctx)
			if err != nil {
				logger.Warn("ledger cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("ledger cleanup", "deleted", n)
			}
		}
	}
}
