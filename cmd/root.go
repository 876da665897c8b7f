// Package cmd defines and implements the CLI commands for the crawlqueue executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/app"
	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/logging"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/telemetry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const tracerShutdownTimeout = 5 * time.Second

// App defines the application interface that commands will use.
// This allows us to inject a test app during tests.
type App interface {
	Close()
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetQueue() *queue.Manager
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. The returned release
// func closes the App built for the invoked subcommand, if any; cobra skips
// post-run hooks when RunE fails, so callers run it after Execute instead.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		built    App
		tracerTP *sdktrace.TracerProvider
	)

	cmd := &cobra.Command{
		Use:   "crawlqueue",
		Short: "A persistent, rate-limited crawl queue backed by PostgreSQL.",
		Long: `crawlqueue manages a shared work queue of URLs for crawl workers.
Entries are deduplicated by URL hash, claimed atomically, and dispatched no
faster than each domain's rate limit allows. The schema is created on first use.`,
		SilenceUsage: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env file is fine.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			if cfg.Tracing.Enabled {
				tracerTP, err = telemetry.InitTracerProvider(cmd.Context(), logging.ServiceName, cfg.Tracing.SampleRatio)
				if err != nil {
					logging.Sync(logger)
					return fmt.Errorf("init tracing: %w", err)
				}
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				logging.Sync(logger)
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			built = appInstance
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newSchemaCmd(),
		newAddCmd(),
		newGetCmd(),
		newEndCmd(),
		newRateCmd(),
		newStatsCmd(),
		newWorkCmd(),
		newServeCmd(),
	)

	release := func() {
		if built != nil {
			built.Close()
			built = nil
		}
		if tracerTP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
			defer cancel()
			_ = tracerTP.Shutdown(ctx)
			tracerTP = nil
		}
	}
	return cmd, release
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, release := newRootCmd()
	err := root.ExecuteContext(ctx)
	release()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawlqueue: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
