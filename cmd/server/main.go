// Package main is the entry point for TickerPulse, the divergence alerting
// service. It ingests market samples, flags volume spikes that no filing or
// news explains, scores and deduplicates them, and pushes the resulting
// alerts to subscribers over websockets.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/di"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/server"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
		File:   cfg.LogFile,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting TickerPulse")

	// Wire dependencies: databases, repositories, services, jobs
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container.Start(ctx)
	log.Info().Msg("Delivery worker and maintenance scheduler started")

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before the pipeline goes away
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	container.Shutdown(shutdownCtx)

	log.Info().Msg("Server stopped")
}
