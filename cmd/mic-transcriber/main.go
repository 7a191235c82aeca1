package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/user/mic-transcriber/internal/config"
	"github.com/user/mic-transcriber/internal/pipeline"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	log.Info().Msg("Starting mic transcriber")

	app, err := pipeline.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create app")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Error releasing clients")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run(ctx)
	}()

	log.Info().Msg("Listening. Press Ctrl+C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		// Capture ended on its own, usually a device or recognizer failure
		if err != nil {
			log.Error().Err(err).Msg("Capture stopped with error")
			return
		}
		log.Info().Msg("Capture finished")
		return
	case <-c:
	}

	log.Info().Msg("Shutting down...")

	if err := app.Stop(); err != nil {
		log.Warn().Err(err).Msg("Error while stopping capture")
	}

	// Graceful shutdown with timeout
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()

	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Error during shutdown")
		} else {
			log.Info().Msg("Stopped gracefully")
		}
	case <-timeout.C:
		cancel()
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("level", level).Msg("Logging configured")
}
