package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/score-agent/internal/circuitbreaker"
	apperrors "github.com/score-agent/internal/errors"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/retry"
)

const (
	// baseGas covers the intrinsic transaction cost when estimation is unavailable
	baseGas = 60000

	// gasHeadroomPercent is added on top of a node's estimate
	gasHeadroomPercent = 20

	defaultPollInterval = 2 * time.Second
)

// Errors that resending the same transaction cannot fix
var permanentSendErrors = []string{
	"insufficient funds",
	"execution reverted",
	"nonce too low",
	"invalid sender",
	"intrinsic gas too low",
	"exceeds block gas limit",
}

// Backend is the subset of an Ethereum RPC client the live writer needs. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// LiveWriterConfig configures a LiveWriter
type LiveWriterConfig struct {
	RegistryAddress    string
	PrivateKey         string
	ChainID            int64
	GasLimitPerAccount uint64
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
	Retry              *retry.RetryConfig
	Breaker            *circuitbreaker.Config
	Clock              clock.Clock
}

// LiveWriter signs registry calls with the agent wallet and sends them through Backend
type LiveWriter struct {
	backend        Backend
	registry       common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	signer         ethtypes.Signer
	abi            abi.ABI
	gasPerAccount  uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	retry          *retry.RetryConfig
	breaker        *circuitbreaker.Breaker
	journal        *Journal
	clock          clock.Clock

	// serialises nonce allocation
	mu sync.Mutex
}

// NewLiveWriter validates cfg and builds a writer. journal may be nil.
func NewLiveWriter(backend Backend, cfg LiveWriterConfig, journal *Journal) (*LiveWriter, error) {
	if backend == nil {
		return nil, apperrors.NewConfigError("chain backend is required", nil)
	}
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, apperrors.NewConfigError(fmt.Sprintf("invalid registry address %q", cfg.RegistryAddress), nil)
	}
	if cfg.ChainID <= 0 {
		return nil, apperrors.NewConfigError(fmt.Sprintf("invalid chain id %d", cfg.ChainID), nil)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, apperrors.NewConfigError("invalid agent private key", err)
	}

	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	retryCfg := retry.DefaultRetryConfig()
	if cfg.Retry != nil {
		c := *cfg.Retry
		retryCfg = &c
	}
	if retryCfg.Retryable == nil {
		retryCfg.Retryable = apperrors.IsRetryable
	}
	if retryCfg.Clock == nil {
		retryCfg.Clock = clk
	}
	if retryCfg.Operation == "" {
		retryCfg.Operation = "submitScores"
	}

	breakerCfg := circuitbreaker.DefaultConfig("registry")
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}
	if breakerCfg.Counts == nil {
		// a rejected transaction is not the node's fault
		breakerCfg.Counts = apperrors.IsRetryable
	}
	if breakerCfg.Clock == nil {
		breakerCfg.Clock = clk
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	chainID := big.NewInt(cfg.ChainID)
	return &LiveWriter{
		backend:        backend,
		registry:       common.HexToAddress(cfg.RegistryAddress),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		signer:         ethtypes.LatestSignerForChainID(chainID),
		abi:            parsed,
		gasPerAccount:  cfg.GasLimitPerAccount,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   pollInterval,
		retry:          retryCfg,
		breaker:        circuitbreaker.New(breakerCfg),
		journal:        journal,
		clock:          clk,
	}, nil
}

// IsLive always returns true
func (w *LiveWriter) IsLive() bool { return true }

// WalletAddress returns the checksummed address of the signing wallet
func (w *LiveWriter) WalletAddress() string {
	return w.from.Hex()
}

// WalletBalance returns the wallet balance in wei at the latest block
func (w *LiveWriter) WalletBalance(ctx context.Context) (*big.Int, error) {
	balance, err := w.backend.BalanceAt(ctx, w.from, nil)
	if err != nil {
		return nil, apperrors.NewChainWriteError("balance", err)
	}
	return balance, nil
}

// BreakerStats exposes the registry circuit breaker
func (w *LiveWriter) BreakerStats() circuitbreaker.Stats {
	return w.breaker.Stats()
}

// EstimateGas asks the node how much gas a batchUpdateScores call for updates would use
func (w *LiveWriter) EstimateGas(ctx context.Context, updates []models.ScoreUpdate) (uint64, error) {
	data, err := w.packBatch(updates)
	if err != nil {
		return 0, err
	}
	return w.estimate(ctx, data)
}

// SubmitBatch sends one batchUpdateScores transaction covering every update
func (w *LiveWriter) SubmitBatch(ctx context.Context, updates []models.ScoreUpdate) (*SubmitResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	data, err := w.packBatch(updates)
	if err != nil {
		return nil, err
	}

	res, err := w.transact(ctx, "batchUpdateScores", data, len(updates))
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("count", len(updates)).Error("Batch update failed")
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"count": len(updates),
		"txId":  res.TxID,
	}).Info("Batch update complete")

	recordBatch(ctx, w.journal, res, updates)
	return res, nil
}

// UpdateScore sends a single updateScore transaction
func (w *LiveWriter) UpdateScore(ctx context.Context, address string, score int64) (*SubmitResult, error) {
	user, amount, err := toCallArgs(address, score)
	if err != nil {
		return nil, err
	}

	data, err := w.abi.Pack("updateScore", user, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode updateScore: %w", err)
	}

	res, err := w.transact(ctx, "updateScore", data, 1)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("address", address).Error("Score update failed")
		return nil, err
	}

	recordBatch(ctx, w.journal, res, []models.ScoreUpdate{{Address: address, Score: score}})
	return res, nil
}

func (w *LiveWriter) packBatch(updates []models.ScoreUpdate) ([]byte, error) {
	users := make([]common.Address, len(updates))
	scores := make([]*big.Int, len(updates))
	for i, u := range updates {
		user, amount, err := toCallArgs(u.Address, u.Score)
		if err != nil {
			return nil, err
		}
		users[i] = user
		scores[i] = amount
	}

	data, err := w.abi.Pack("batchUpdateScores", users, scores)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batchUpdateScores: %w", err)
	}
	return data, nil
}

func toCallArgs(address string, score int64) (common.Address, *big.Int, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, nil, apperrors.NewInvalidAddressError(address)
	}
	if score < 0 {
		return common.Address{}, nil, apperrors.NewInvalidParameterError("score", "must not be negative")
	}
	return common.HexToAddress(address), big.NewInt(score), nil
}

// transact signs data once and sends the same signed transaction until the node accepts it
func (w *LiveWriter) transact(ctx context.Context, method string, data []byte, count int) (*SubmitResult, error) {
	signed, err := w.sign(ctx, data, count)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"method": method,
		"txId":   signed.Hash().Hex(),
		"nonce":  signed.Nonce(),
		"gas":    signed.Gas(),
	})
	logger.Debug("Sending registry transaction")

	err = retry.Do(ctx, w.retry, func(ctx context.Context, attempt int) error {
		return w.breaker.Execute(ctx, func() error {
			return classifySendError(w.backend.SendTransaction(ctx, signed))
		})
	})
	if err != nil {
		return nil, err
	}

	if err := w.waitMined(ctx, signed.Hash()); err != nil {
		return nil, err
	}

	return &SubmitResult{
		TxID:        signed.Hash().Hex(),
		Count:       count,
		SubmittedAt: w.clock.Now().UTC(),
	}, nil
}

func (w *LiveWriter) sign(ctx context.Context, data []byte, count int) (*ethtypes.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, apperrors.NewChainWriteError("nonce", err)
	}

	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.NewChainWriteError("gas price", err)
	}

	gasLimit, err := w.estimate(ctx, data)
	if err != nil {
		gasLimit = baseGas + w.gasPerAccount*uint64(count) // #nosec G115 - count is a batch length
		logging.FromContext(ctx).WithError(err).WithField("gasLimit", gasLimit).Warn("Gas estimation failed, using configured limit")
	} else {
		gasLimit += gasLimit * gasHeadroomPercent / 100
	}

	to := w.registry
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func (w *LiveWriter) estimate(ctx context.Context, data []byte) (uint64, error) {
	to := w.registry
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: w.from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return 0, apperrors.NewChainWriteError("estimate gas", err)
	}
	return gas, nil
}

// waitMined polls for the receipt until ConfirmTimeout. A zero timeout skips confirmation.
func (w *LiveWriter) waitMined(ctx context.Context, hash common.Hash) error {
	if w.confirmTimeout <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted in block %v", hash.Hex(), receipt.BlockNumber)
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logging.FromContext(ctx).WithError(err).WithField("txId", hash.Hex()).Debug("Receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return apperrors.NewChainWriteError("confirm", fmt.Errorf("transaction %s not mined: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C():
		}
	}
}

// classifySendError maps a node response to nil, a retryable chain error or a permanent error
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	for _, permanent := range permanentSendErrors {
		if strings.Contains(msg, permanent) {
			return fmt.Errorf("registry rejected transaction: %w", err)
		}
	}
	return apperrors.NewChainWriteError("send", err)
}

// WeiToEther formats a wei amount as a decimal ether string
func WeiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	ether := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	return ether.Text('f', 6)
}
