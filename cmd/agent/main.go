// Package main provides the score agent entry point: a periodic update cycle
// that recomputes due scores and pushes changes to the on-chain registry.
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

	"github.com/score-agent/internal/agent"
	"github.com/score-agent/internal/api"
	"github.com/score-agent/internal/badge"
	"github.com/score-agent/internal/chain"
	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/ratelimit"
	"github.com/score-agent/internal/storage"
)

func main() {
	fmt.Println("Score Agent")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	clk := clock.NewClock()

	backends, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to storage")
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.WithError(err).Warn("Error closing storage")
		}
	}()

	journal, err := chain.OpenJournal(cfg.Chain.JournalPath, clk)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open batch journal")
	}
	defer journal.Close()

	writer, err := chain.NewWriter(ctx, cfg.Chain, journal, clk, rpcBudget(cfg, backends.Cache, clk)...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize chain writer")
	}
	logWriter(ctx, cfg, writer)

	agentCfg := &agent.Config{
		Store:           backends.Store,
		Writer:          writer,
		Snapshots:       backends.Snapshots,
		Badges:          badge.NewEvaluator(cfg.Agent.BadgeThreshold, backends.Store, badge.NewLoggingMinter(), clk),
		Clock:           clk,
		BatchSize:       cfg.Agent.BatchSize,
		StalenessWindow: cfg.Agent.StalenessWindow,
		Interval:        cfg.Agent.Interval,
		Workers:         cfg.Agent.Workers,
		LockTTL:         cfg.Agent.CycleLockTTL,
		CacheTTL:        cfg.Database.Redis.BreakdownTTL,
	}
	// A nil *RedisCache must not reach the interface fields
	if backends.Cache != nil {
		agentCfg.Lock = backends.Cache
		agentCfg.Cache = backends.Cache
	}

	scoreAgent, err := agent.New(agentCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create score agent")
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = startServer(cfg, backends, journal, scoreAgent, clk, logger)
	}

	if err := scoreAgent.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start score agent")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultServerConfig("", "", 0).ShutdownTimeout)
	defer cancel()

	if err := scoreAgent.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Score agent did not stop cleanly")
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server forced to shutdown")
		}
	}

	logger.Info("Score agent exited")
}

// logWriter reports which writer is active and, when live, the signing wallet
func logWriter(ctx context.Context, cfg *config.Config, writer chain.Writer) {
	logger := logging.FromContext(ctx)
	if !writer.IsLive() {
		logger.Warn("Chain credentials not configured, running in simulated mode")
		return
	}

	fields := map[string]interface{}{
		"network":  cfg.Chain.NetworkName(),
		"registry": cfg.Chain.RegistryAddress,
	}
	if live, ok := writer.(*chain.LiveWriter); ok {
		fields["wallet"] = live.WalletAddress()
		if balance, err := live.WalletBalance(ctx); err == nil {
			fields["balanceEth"] = chain.WeiToEther(balance)
		} else {
			logger.WithError(err).Warn("Failed to read wallet balance")
		}
	}
	logger.WithFields(fields).Info("Live chain writer initialized")
}

// startServer runs the HTTP API alongside the agent
func startServer(cfg *config.Config, backends *storage.Backends, journal *chain.Journal, status api.StatusProvider, clk clock.Clock, logger *logging.Logger) *api.Server {
	deps := api.Deps{
		Store:     backends.Store,
		Snapshots: backends.Snapshots,
		Batches:   journal,
		Agent:     status,
		Clock:     clk,
		Logger:    logger,
	}
	if backends.Cache != nil {
		deps.Cache = backends.Cache
	}

	serverConfig := api.DefaultServerConfig(cfg.Server.Host, cfg.Server.Port, cfg.Server.RPS)
	serverConfig.CacheTTL = cfg.Database.Redis.BreakdownTTL

	server, err := api.NewServer(serverConfig, deps)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API server")
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server stopped")
			os.Exit(1)
		}
	}()
	return server
}

// rpcBudget shares an RPC compute-unit budget across agent replicas when RPC_CU_BUDGET is set
func rpcBudget(cfg *config.Config, cache *storage.RedisCache, clk clock.Clock) []chain.BackendWrapper {
	if cfg.Chain.RPCBudgetCU <= 0 || cache == nil {
		return nil
	}
	tracker, err := ratelimit.NewCUBudgetTracker(&ratelimit.CUBudgetTrackerConfig{
		Redis:  cache.Client(),
		Budget: cfg.Chain.RPCBudgetCU,
		Clock:  clk,
	})
	if err != nil {
		logging.WithError(err).Warn("RPC budget disabled")
		return nil
	}
	return []chain.BackendWrapper{
		chain.WithRPCBudget(tracker, ratelimit.NewCUCostRegistry(&ratelimit.CUCostRegistryConfig{Overrides: cfg.Chain.RPCMethodCosts}), cfg.Chain.RPCBudgetMaxWait, clk),
	}
}
