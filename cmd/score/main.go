// Package main provides a one-shot CLI: print the score breakdown for an address
// and optionally run a single update cycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/agent"
	"github.com/score-agent/internal/badge"
	"github.com/score-agent/internal/chain"
	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/ratelimit"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/storage"
	"github.com/score-agent/internal/types"
)

func main() {
	var (
		address = flag.String("address", "", "Print the score breakdown for this address")
		runOnce = flag.Bool("run-once", false, "Run a single update cycle and print its result")
		fixture = flag.String("fixture", "", "Seed an in-memory store from this JSON fixture instead of DATABASE_DRIVER")
	)
	flag.Parse()

	if *address == "" && !*runOnce {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *fixture != "" {
		cfg.Database.Driver = config.DriverMemory
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	ctx := logging.WithLogger(context.Background(), logger)
	clk := clock.NewClock()

	backends, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to storage")
	}
	defer backends.Close()

	if *fixture != "" {
		if err := seedFixture(ctx, backends.Store, *fixture); err != nil {
			logger.WithError(err).Fatal("Failed to load fixture")
		}
	}

	if *address != "" {
		if err := printBreakdown(ctx, backends.Store, clk, *address); err != nil {
			logger.WithError(err).Fatal("Failed to compute breakdown")
		}
	}

	if *runOnce {
		if err := runCycle(ctx, cfg, backends, clk); err != nil {
			logger.WithError(err).Fatal("Update cycle failed")
		}
	}
}

func seedFixture(ctx context.Context, store storage.Store, path string) error {
	seeder, ok := store.(storage.Seeder)
	if !ok {
		return fmt.Errorf("store %T cannot be seeded", store)
	}
	f, err := os.Open(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return err
	}
	defer f.Close()

	loaded, err := storage.LoadFixture(ctx, seeder, f)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accounts":      len(loaded.Accounts),
		"mints":         len(loaded.Mints),
		"linkedWallets": len(loaded.LinkedWallets),
	}).Info("Fixture loaded")
	return nil
}

func printBreakdown(ctx context.Context, store storage.Store, clk clock.Clock, address string) error {
	if err := types.ValidateAddress(address); err != nil {
		return err
	}
	address = types.NormalizeAddress(address)

	account, err := store.AccountBy(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("account %s not found", address)
	}
	if err != nil {
		return err
	}
	mints, err := store.MintsFor(ctx, address)
	if err != nil {
		return err
	}
	linked, err := store.LinkedWalletsFor(ctx, address)
	if err != nil {
		return err
	}

	breakdown := scoring.NewCalculator(clk).CalculateBreakdown(scoring.Input{
		FirstTxTimestamp: account.FirstTxTimestamp,
		Mints:            mints,
		LinkedWallets:    linked,
	})

	return printJSON(map[string]interface{}{
		"address":     address,
		"storedScore": account.TotalScore,
		"breakdown":   breakdown,
	})
}

func runCycle(ctx context.Context, cfg *config.Config, backends *storage.Backends, clk clock.Clock) error {
	journal, err := chain.OpenJournal(cfg.Chain.JournalPath, clk)
	if err != nil {
		return err
	}
	defer journal.Close()

	writer, err := chain.NewWriter(ctx, cfg.Chain, journal, clk, rpcBudget(cfg, backends.Cache, clk)...)
	if err != nil {
		return err
	}

	agentCfg := &agent.Config{
		Store:           backends.Store,
		Writer:          writer,
		Snapshots:       backends.Snapshots,
		Badges:          badge.NewEvaluator(cfg.Agent.BadgeThreshold, backends.Store, badge.NewLoggingMinter(), clk),
		Clock:           clk,
		BatchSize:       cfg.Agent.BatchSize,
		StalenessWindow: cfg.Agent.StalenessWindow,
		Workers:         cfg.Agent.Workers,
		LockTTL:         cfg.Agent.CycleLockTTL,
		CacheTTL:        cfg.Database.Redis.BreakdownTTL,
	}
	if backends.Cache != nil {
		agentCfg.Lock = backends.Cache
		agentCfg.Cache = backends.Cache
	}

	scoreAgent, err := agent.New(agentCfg)
	if err != nil {
		return err
	}

	result := scoreAgent.RunCycle(ctx)
	if err := printJSON(result); err != nil {
		return err
	}
	if result.Err != nil {
		return result.Err
	}
	return result.SubmitErr
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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
