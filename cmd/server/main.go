// Package main is the entry point for riskdesk, the risk analytics service.
//
// Startup order:
//  1. Load configuration (.env and environment)
//  2. Wire databases, repositories, engines and the work processor via di.Wire
//  3. Start the work processor, the cron scheduler and the HTTP server
//  4. Block until SIGINT/SIGTERM, then shut everything down in reverse order
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/riskdesk/internal/config"
	"github.com/aristath/riskdesk/internal/di"
	"github.com/aristath/riskdesk/internal/server"
	"github.com/aristath/riskdesk/pkg/logger"
)

// healthPollInterval is how often cache status gauges are refreshed
const healthPollInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting riskdesk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close databases")
		}
	}()

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		CORSAllow: cfg.CORSAllow,
		Container: container,
	})

	container.Processor.Start()
	log.Info().Int("workers", cfg.Work.Workers).Msg("Work processor started")

	container.Scheduler.Start()
	log.Info().Int("jobs", len(container.Scheduler.Entries())).Msg("Scheduler started")

	go container.Metrics.PollHealth(ctx, container.RiskCache, healthPollInterval)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	container.Scheduler.Stop(shutdownCtx)
	log.Info().Msg("Scheduler stopped")

	// In-flight work finishes before databases are closed
	container.Processor.Stop()
	log.Info().Msg("Work processor stopped")

	log.Info().Msg("riskdesk stopped")
}
