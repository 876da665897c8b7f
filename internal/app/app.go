// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/logging"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/queue/memory"
	"github.com/JakeFAU/crawlqueue/internal/queue/postgres"
)

// App holds the shared services a command needs: configuration, the logger,
// and the queue manager that owns the store connection pool.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	manager *queue.Manager
}

// StoreFactory opens the queue store described by cfg.
type StoreFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Store, error)

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetQueue returns the queue manager.
func (a *App) GetQueue() *queue.Manager {
	return a.manager
}

// NewApp creates the App from cfg using the store selected by db.provider.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewAppWithStore(ctx, cfg, logger, OpenStore)
}

// NewAppWithStore creates the App with a custom store factory (primarily for testing).
func NewAppWithStore(ctx context.Context, cfg config.Config, logger *zap.Logger, open StoreFactory) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services", zap.String("store", cfg.DB.Provider))

	store, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	manager, err := queue.NewManager(store, queue.Config{
		Domain:           cfg.Queue.Domain,
		RateLimitSeconds: cfg.Queue.RateLimitSeconds,
		PollInterval:     cfg.PollInterval(),
		MaxPollAttempts:  cfg.Queue.MaxPollAttempts,
	}, logger.Named("queue"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create queue manager: %w", err)
	}

	return &App{cfg: cfg, logger: logger, manager: manager}, nil
}

// OpenStore is the default StoreFactory.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Store, error) {
	switch cfg.DB.Provider {
	case "memory":
		logger.Warn("using in-memory queue store; entries are lost on exit and not shared between processes")
		return memory.NewStore(nil), nil
	case "postgres", "":
		if cfg.DB.DSN == "" {
			return nil, fmt.Errorf("db.provider is postgres but db.dsn is not set")
		}
		store, err := postgres.NewStore(ctx, postgres.StoreConfig{
			DSN:             cfg.DB.DSN,
			TablePrefix:     cfg.DB.TablePrefix,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}
}

// Close releases the queue connection pool and flushes the logger. It is
// called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.manager.Shutdown()
	logging.Sync(a.logger)
}
