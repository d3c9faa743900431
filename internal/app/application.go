package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"collabsync/internal/api"
	"collabsync/internal/config"
	"collabsync/internal/database"
	"collabsync/internal/hub"
	"collabsync/internal/router"
	"collabsync/internal/session"
	"collabsync/internal/websocket"
)

// Application coordinates all broker components.
type Application struct {
	config         *config.Config
	dbManager      *database.Manager
	sessionManager *session.Manager
	registry       *websocket.Registry
	messageRouter  *router.Router
	messageHub     *hub.Hub
	apiServer      *api.Server
	httpServer     *http.Server
	log            zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication builds every component in dependency order:
// Database → Session → Registry → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Storage, with the schema brought up to date before anything reads it
	storage := cfg.Storage()
	if dir := filepath.Dir(storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbManager, err := database.NewManager(storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info().Str("path", storage.DatabasePath).Msg("database migrations applied")

	// STEP 2: Sessions survive restarts; reload the active ones
	sessionManager := session.NewManager(dbManager, log, cfg.Broker.MaxSnapshotBytes)
	loadCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()
	if err := sessionManager.LoadActiveSessions(loadCtx); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 3-5: Connection tracking, change routing and the dispatch loop
	registry := websocket.NewRegistry(log)
	messageRouter := router.NewRouter(registry, sessionManager, dbManager, router.Options{
		RateLimit:        cfg.Broker.RateLimit,
		RateWindow:       cfg.Broker.RateWindow,
		MaxSnapshotBytes: cfg.Broker.MaxSnapshotBytes,
	}, log)
	messageHub := hub.NewHub(registry, messageRouter, sessionManager, log)
	messageHub.SetRequestTimeout(cfg.Broker.RequestTimeout)

	// STEP 6-7: REST API with the socket endpoint mounted alongside
	apiServer := api.NewServer(sessionManager, dbManager, registry, messageHub, log)
	apiServer.Handle("/ws", websocket.NewHandler(registry, messageHub, websocket.Options{
		PingInterval:  cfg.WebSocket.PingInterval,
		PongWait:      cfg.WebSocket.ReadTimeout,
		MaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
	}, log))

	// STEP 8: HTTP server. Upgraded sockets replace these deadlines with
	// per-frame ones.
	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:         cfg,
		dbManager:      dbManager,
		sessionManager: sessionManager,
		registry:       registry,
		messageRouter:  messageRouter,
		messageHub:     messageHub,
		apiServer:      apiServer,
		httpServer:     httpServer,
		log:            log.With().Str("component", "app").Logger(),
	}, nil
}

// Start listens on the configured address and serves until Stop.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve starts the hub and then serves HTTP on ln in the background.
// FUNCTIONAL DISCOVERY: Hub starts first so the first upgraded socket
// already has a dispatch loop behind it
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	if err := app.messageHub.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	app.log.Info().Str("addr", ln.Addr().String()).Msg("serving")
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → Hub → Sockets → Database.
// The first error is returned; later steps still run.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down")
	var first error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		app.log.Error().Err(err).Str("step", step).Msg("shutdown error")
		if first == nil {
			first = fmt.Errorf("%s: %w", step, err)
		}
	}

	record("http", app.httpServer.Shutdown(ctx))
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		record("hub", err)
	}
	// Upgraded sockets are hijacked and survive Shutdown.
	if n := app.registry.CloseAll(); n > 0 {
		app.log.Info().Int("connections", n).Msg("closed open sockets")
	}
	record("database", app.dbManager.Close())

	app.log.Info().Msg("shutdown complete")
	return first
}

// GetAddr returns the bound address once serving, else the configured one.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Stats reports hub and registry counters.
func (app *Application) Stats() map[string]interface{} {
	return app.messageHub.GetStats()
}
