package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"collabsync/internal/app"
	"collabsync/internal/config"
	"collabsync/internal/logging"
)

// EnvConfigFile names an optional TOML file layered over env and defaults.
const EnvConfigFile = "COLLABSYNC_CONFIG_FILE"

// FUNCTIONAL DISCOVERY: Graceful shutdown on SIGINT/SIGTERM ensures proper
// resource cleanup
func main() {
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("collabsync exited")
		stop()
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(ctx context.Context) error {
	log := logging.Component("main")

	// STEP 1: Load configuration with precedence (file > env > defaults)
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv(EnvConfigFile))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: Build and start the broker
	application, err := app.NewApplication(cfg, logging.Logger())
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		if stopErr := application.Stop(context.Background()); stopErr != nil {
			log.Warn().Err(stopErr).Msg("cleanup after failed start")
		}
		return fmt.Errorf("application error: %w", err)
	}
	log.Info().Str("addr", application.GetAddr()).Msg("collabsync broker started")

	// STEP 3: Serve until signalled
	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	// Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
