// Package main provides the read-only API server entry point for the score agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/api"
	"github.com/score-agent/internal/chain"
	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/storage"
)

func main() {
	fmt.Println("Score Agent API Server")
	log.Println("Server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := logging.WithLogger(context.Background(), logger)
	clk := clock.NewClock()

	backends, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to storage")
	}
	defer backends.Close()

	deps := api.Deps{
		Store:     backends.Store,
		Snapshots: backends.Snapshots,
		Clock:     clk,
		Logger:    logger,
	}
	if backends.Cache != nil {
		deps.Cache = backends.Cache
	}

	// The journal is a single-writer leveldb; it is only readable here when the agent is not holding it
	if cfg.Chain.JournalPath != "" {
		journal, err := chain.OpenJournal(cfg.Chain.JournalPath, clk)
		if err != nil {
			logger.WithError(err).Warn("Batch journal unavailable, /api/batches disabled")
		} else {
			defer journal.Close()
			deps.Batches = journal
		}
	}

	serverConfig := api.DefaultServerConfig(cfg.Server.Host, cfg.Server.Port, cfg.Server.RPS)
	serverConfig.CacheTTL = cfg.Database.Redis.BreakdownTTL

	server, err := api.NewServer(serverConfig, deps)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
