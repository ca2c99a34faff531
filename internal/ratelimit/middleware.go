package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"code.cloudfoundry.org/clock"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/score-agent/internal/logging"
)

// DefaultMaxWait is how long a call waits for budget before giving up
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient is the set of RPC calls the registry writer makes. *ethclient.Client satisfies it.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// RateLimitedClient wraps an RPC client and spends CU budget before every call
type RateLimitedClient struct {
	underlying   EthClient
	tracker      *CUBudgetTracker
	costRegistry *CUCostRegistry
	maxWait      time.Duration
	clock        clock.Clock
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	// Client, Tracker and CostRegistry are required.
	Client       EthClient
	Tracker      *CUBudgetTracker
	CostRegistry *CUCostRegistry

	// MaxWait defaults to 30s.
	MaxWait time.Duration

	Clock clock.Clock
}

// Validate checks if the configuration is valid.
func (c *RateLimitedClientConfig) Validate() error {
	if c.Client == nil {
		return errors.New("underlying client is required")
	}
	if c.Tracker == nil {
		return errors.New("budget tracker is required")
	}
	if c.CostRegistry == nil {
		return errors.New("cost registry is required")
	}
	return nil
}

// NewRateLimitedClient creates a rate-limited RPC client.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	return &RateLimitedClient{
		underlying:   cfg.Client,
		tracker:      cfg.Tracker,
		costRegistry: cfg.CostRegistry,
		maxWait:      maxWait,
		clock:        clk,
	}, nil
}

// waitForBudget blocks until the method's cost fits in the budget, ctx is done or maxWait would be exceeded
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	cu := c.costRegistry.GetCost(method)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"method": method,
		"cu":     cu,
	})

	start := c.clock.Now()
	deadline := start.Add(c.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := c.tracker.TryConsume(ctx, cu)
		if allowed {
			if err := c.tracker.RecordMethodUsage(ctx, method, cu); err != nil {
				logger.WithError(err).Debug("Failed to record method usage")
			}
			return nil
		}

		if c.clock.Now().Add(wait).After(deadline) {
			logger.WithField("waited", c.clock.Since(start).String()).Warn("RPC budget wait exceeded")
			return ErrMaxWaitExceeded
		}

		logger.WithField("wait", wait.String()).Debug("Waiting for RPC budget")
		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// PendingNonceAt wraps eth_getTransactionCount
func (c *RateLimitedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthGetTransactionCount); err != nil {
		return 0, err
	}
	return c.underlying.PendingNonceAt(ctx, account)
}

// SuggestGasPrice wraps eth_gasPrice
func (c *RateLimitedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.waitForBudget(ctx, MethodEthGasPrice); err != nil {
		return nil, err
	}
	return c.underlying.SuggestGasPrice(ctx)
}

// EstimateGas wraps eth_estimateGas
func (c *RateLimitedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthEstimateGas); err != nil {
		return 0, err
	}
	return c.underlying.EstimateGas(ctx, msg)
}

// SendTransaction wraps eth_sendRawTransaction
func (c *RateLimitedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.waitForBudget(ctx, MethodEthSendRawTransaction); err != nil {
		return err
	}
	return c.underlying.SendTransaction(ctx, tx)
}

// TransactionReceipt wraps eth_getTransactionReceipt
func (c *RateLimitedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.waitForBudget(ctx, MethodEthGetTransactionReceipt); err != nil {
		return nil, err
	}
	return c.underlying.TransactionReceipt(ctx, txHash)
}

// BalanceAt wraps eth_getBalance
func (c *RateLimitedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := c.waitForBudget(ctx, MethodEthGetBalance); err != nil {
		return nil, err
	}
	return c.underlying.BalanceAt(ctx, account, blockNumber)
}

// Underlying returns the wrapped client.
func (c *RateLimitedClient) Underlying() EthClient {
	return c.underlying
}
