package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"studybuddy/internal/api"
	"studybuddy/internal/config"
	"studybuddy/internal/database"
	"studybuddy/internal/directory"
	"studybuddy/internal/hub"
	"studybuddy/internal/matcher"
	"studybuddy/internal/sweeper"
	"studybuddy/internal/websocket"
)

// Application coordinates all system components.
type Application struct {
	config    *config.Config
	logger    *slog.Logger
	dbManager *database.Manager
	directory *directory.Directory
	matcher   *matcher.Service
	registry  *websocket.Registry
	eventHub  *hub.Hub
	limiter   *api.RateLimiter
	sweeper   *sweeper.Sweeper
	apiServer *api.Server

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
}

// NewApplication builds every component in dependency order:
// Database → Directory → Registry → Hub → Matcher → API → Sweeper → HTTP.
// Pending requests and active sessions are restored before it returns.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dbManager, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	applied, err := dbManager.Migrate(ctx)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("Database ready", "driver", cfg.Database.Driver, "migrations_applied", len(applied))

	dir, err := directory.New(dbManager, cfg.Directory.CacheSize, logger)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to initialize directory: %w", err)
	}
	if cfg.DemoMode {
		if _, err := dir.SeedDemo(ctx); err != nil {
			dbManager.Close()
			return nil, fmt.Errorf("failed to seed demo learners: %w", err)
		}
	}

	registry := websocket.NewRegistry()
	eventHub := hub.NewHub(registry, logger, cfg.Matching.EventBuffer)

	matchService := matcher.NewService(matcher.Config{
		MaxAttempts:   cfg.Matching.MaxAttempts,
		StaleAfter:    cfg.Matching.StaleAfter,
		SessionMaxAge: cfg.Matching.SessionMaxAge,
		RoomPrefix:    cfg.Matching.RoomPrefix,
	}, matcher.Deps{
		Store:     dbManager,
		Profiles:  dir,
		Publisher: eventHub,
		Logger:    logger,
	})
	if err := matchService.Load(ctx); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to restore matching state: %w", err)
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	wsHandler := websocket.NewHandler(registry, matchService, *cfg.WebSocket, logger)

	apiServer := api.NewServer(api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, api.Deps{
		Matcher:     matchService,
		Directory:   dir,
		History:     dbManager,
		Health:      dbManager,
		WebSocket:   wsHandler,
		Connections: registry,
		Events:      eventHub,
		Limiter:     limiter,
		Logger:      logger,
	})

	sw, err := sweeper.New(cfg.Matching.SweepInterval, logger)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to initialize sweeper: %w", err)
	}
	sw.Add("matching", func(ctx context.Context) error {
		_, err := matchService.Sweep(ctx)
		return err
	})
	sw.Add("rate_limiter", func(ctx context.Context) error {
		if removed := limiter.Cleanup(cfg.RateLimit.IdleTTL); removed > 0 {
			logger.Debug("Rate limiter entries pruned", "removed", removed)
		}
		return nil
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		directory:  dir,
		matcher:    matchService,
		registry:   registry,
		eventHub:   eventHub,
		limiter:    limiter,
		sweeper:    sw,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins background processing and then accepts HTTP connections.
func (app *Application) Start(ctx context.Context) error {
	if err := app.eventHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	if err := app.sweeper.Start(ctx); err != nil {
		app.eventHub.Stop()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.sweeper.Stop()
		app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	app.logger.Info("Study Buddy service started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → sockets → sweeper → hub → database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("Shutting down Study Buddy service")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	app.registry.CloseAll()
	app.sweeper.Stop()
	if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("event hub shutdown: %w", err))
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("Study Buddy service shutdown complete")
	return errors.Join(errs...)
}

// Run starts the service and blocks until ctx is cancelled, then shuts down
// within the configured shutdown timeout.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		app.Stop(context.Background())
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
	defer cancel()
	return app.Stop(shutdownCtx)
}

// Addr returns the bound listener address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface without binding a port.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Sweep runs one housekeeping pass immediately.
func (app *Application) Sweep(ctx context.Context) error {
	return app.sweeper.RunOnce(ctx)
}

// ShutdownTimeout is the grace period given to Stop by callers.
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout
}
