// Command mqtt2coap subscribes to device topics on a broker and forwards every
// numeric field of every JSON payload to a CoAP ingestion endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Build metadata, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	gitBranch = "unknown"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := cfg.NewLogger(os.Stderr)
	logBanner(logger)
	logger.Debug().Interface("config", cfg.Redacted()).Msg("Runtime config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build bridge")
	}
	if err := b.start(ctx); err != nil {
		shutdown(b, logger)
		logger.Fatal().Err(err).Msg("Failed to start bridge")
	}
	logger.Info().Strs("sinks", b.sinkNames()).Strs("topics", cfg.Filters()).Str("source", cfg.Source).Msg("Bridge running")

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case <-b.dispatcher.Done():
		logger.Error().Msg("Event source closed unexpectedly")
		exitCode = 1
	}
	stop()

	shutdown(b, logger)
	os.Exit(exitCode)
}

func shutdown(b *bridge, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Errors during shutdown")
		return
	}
	logger.Info().Msg("Shutdown complete")
}

func logBanner(logger zerolog.Logger) {
	logger.Info().Msgf("Starting up mqtt2coap v%s...", version)
	logger.Debug().Str("git_branch", gitBranch).Msg("Git branch")
	logger.Debug().Str("git_commit", gitCommit).Msg("Git commit")
	logger.Debug().Str("build_time", buildTime).Msg("Build time")
	logger.Debug().Str("go_version", runtime.Version()).Msg("Compiler version")
}
