// Package chain submits score updates to the on-chain reputation registry.
//
// Two writers exist. LiveWriter signs and sends batchUpdateScores transactions
// when RPC credentials are configured. SimulatedWriter logs the batch and
// returns SimulatedTxID so a cycle can run end to end without a chain.
package chain

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
)

// SimulatedTxID is the transaction id reported for writes that never reached a chain
const SimulatedTxID = "0x_simulated_tx_hash"

// RegistryABI describes the two registry methods the agent calls
const RegistryABI = `[
	{
		"type": "function",
		"name": "updateScore",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "score", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "batchUpdateScores",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "users", "type": "address[]"},
			{"name": "scores", "type": "uint256[]"}
		],
		"outputs": []
	}
]`

// SubmitResult describes an accepted write
type SubmitResult struct {
	TxID        string    `json:"txId"`
	Simulated   bool      `json:"simulated"`
	Count       int       `json:"count"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Writer submits score updates to the registry.
// SubmitBatch returns (nil, nil) for an empty batch and never retries on its own after returning an error.
type Writer interface {
	SubmitBatch(ctx context.Context, updates []models.ScoreUpdate) (*SubmitResult, error)
	UpdateScore(ctx context.Context, address string, score int64) (*SubmitResult, error)
	IsLive() bool
}

// WalletInfo is implemented by writers that sign with a funded wallet
type WalletInfo interface {
	WalletAddress() string
}

// BackendWrapper decorates the dialed RPC client
type BackendWrapper func(Backend) (Backend, error)

// NewWriter returns a LiveWriter when cfg carries RPC credentials and a SimulatedWriter otherwise.
// cfg.RPCURL may list several comma-separated endpoints; they back each other up on rate limits.
// Wrappers apply in order to the dialed client of a live writer.
func NewWriter(ctx context.Context, cfg config.ChainConfig, journal *Journal, clk clock.Clock, wrappers ...BackendWrapper) (Writer, error) {
	logger := logging.FromContext(ctx)

	if !cfg.Live() {
		logger.WithField("network", cfg.NetworkName()).Warn("Chain credentials not configured, registry writes will be simulated")
		return NewSimulatedWriter(journal, clk), nil
	}

	pool, err := NewRPCPool(ctx, RPCPoolConfig{
		Endpoints: SplitEndpoints(cfg.RPCURL),
		Cooldown:  cfg.RPCCooldown,
		Clock:     clk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.NetworkName(), err)
	}

	var backend Backend = pool
	for _, wrap := range wrappers {
		if backend, err = wrap(backend); err != nil {
			pool.Close()
			return nil, err
		}
	}

	w, err := NewLiveWriter(backend, LiveWriterConfig{
		RegistryAddress:    cfg.RegistryAddress,
		PrivateKey:         cfg.PrivateKey,
		ChainID:            cfg.ChainID,
		GasLimitPerAccount: cfg.GasLimitPerAccount,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		Clock:              clk,
	}, journal)
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"network":   cfg.NetworkName(),
		"registry":  cfg.RegistryAddress,
		"wallet":    w.WalletAddress(),
		"endpoints": len(pool.endpoints),
	}).Info("Connected to registry")

	return w, nil
}

// recordBatch writes to the journal when one is configured. Journal failures never fail a write.
func recordBatch(ctx context.Context, journal *Journal, res *SubmitResult, updates []models.ScoreUpdate) {
	if journal == nil {
		return
	}
	entries := make([]models.ScoreUpdate, len(updates))
	for i, u := range updates {
		entries[i] = models.ScoreUpdate{Address: u.Address, Score: u.Score}
	}
	err := journal.Record(models.BatchRecord{
		TxID:        res.TxID,
		Simulated:   res.Simulated,
		Updates:     entries,
		SubmittedAt: res.SubmittedAt,
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("txId", res.TxID).Warn("Failed to journal batch")
	}
}
