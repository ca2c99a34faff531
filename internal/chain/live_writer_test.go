package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-agent/internal/circuitbreaker"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/retry"
)

const (
	testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testRegistry   = "0x00000000000000000000000000000000000000aa"
	testChainID    = 84532
)

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	gasPrice    *big.Int
	estimate    uint64
	estimateErr error
	sendErrs    []error // consumed one per send
	receiptErr  error
	status      uint64
	balance     *big.Int
	sent        []*ethtypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonce:    7,
		gasPrice: big.NewInt(1_000_000_000),
		estimate: 100000,
		status:   ethtypes.ReceiptStatusSuccessful,
		balance:  big.NewInt(0),
	}
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return b.gasPrice, nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	return &ethtypes.Receipt{Status: b.status, TxHash: txHash, BlockNumber: big.NewInt(1)}, nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return b.balance, nil
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func testWriterConfig() LiveWriterConfig {
	return LiveWriterConfig{
		RegistryAddress:    testRegistry,
		PrivateKey:         testPrivateKey,
		ChainID:            testChainID,
		GasLimitPerAccount: 30000,
		Retry: &retry.RetryConfig{
			MaxAttempts: 3,
			Multiplier:  2,
			Clock:       clock.NewClock(),
		},
	}
}

func newTestWriter(t *testing.T, backend *fakeBackend, mutate func(*LiveWriterConfig)) (*LiveWriter, *Journal) {
	t.Helper()
	journal, err := OpenJournal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	cfg := testWriterConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := NewLiveWriter(backend, cfg, journal)
	require.NoError(t, err)
	return w, journal
}

func registryABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	require.NoError(t, err)
	return parsed
}

func testUpdates() []models.ScoreUpdate {
	return []models.ScoreUpdate{
		{Address: "0x0000000000000000000000000000000000000001", Score: 330},
		{Address: "0x0000000000000000000000000000000000000002", Score: 1000},
	}
}

func TestLiveWriter_SubmitBatch(t *testing.T) {
	backend := newFakeBackend()
	w, journal := newTestWriter(t, backend, nil)
	assert.True(t, w.IsLive())

	res, err := w.SubmitBatch(context.Background(), testUpdates())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), res.TxID)
	assert.False(t, res.Simulated)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testRegistry), *tx.To())
	assert.Equal(t, 0, tx.GasPrice().Cmp(backend.gasPrice))

	key, err := crypto.HexToECDSA(strings.TrimPrefix(testPrivateKey, "0x"))
	require.NoError(t, err)
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
	assert.Equal(t, sender.Hex(), w.WalletAddress())

	method := registryABI(t).Methods["batchUpdateScores"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	users := args[0].([]common.Address)
	scores := args[1].([]*big.Int)
	require.Len(t, users, 2)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000002"), users[1])
	assert.EqualValues(t, 330, scores[0].Int64())
	assert.EqualValues(t, 1000, scores[1].Int64())

	recent, err := journal.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.TxID, recent[0].TxID)
	assert.False(t, recent[0].Simulated)
}

func TestLiveWriter_EmptyBatchIsNoop(t *testing.T) {
	backend := newFakeBackend()
	w, journal := newTestWriter(t, backend, nil)

	res, err := w.SubmitBatch(context.Background(), []models.ScoreUpdate{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, backend.sentCount())
	assert.EqualValues(t, 0, journal.Len())
}

func TestLiveWriter_FallsBackToConfiguredGas(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("estimation unavailable")
	w, _ := newTestWriter(t, backend, nil)

	_, err := w.SubmitBatch(context.Background(), testUpdates())
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(baseGas+2*30000), backend.sent[0].Gas())
}

func TestLiveWriter_RetriesTransientSendErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{errors.New("connection reset by peer"), errors.New("i/o timeout")}
	w, _ := newTestWriter(t, backend, nil)

	res, err := w.SubmitBatch(context.Background(), testUpdates())
	require.NoError(t, err)
	require.Len(t, backend.sent, 3)
	for _, tx := range backend.sent {
		assert.Equal(t, res.TxID, tx.Hash().Hex(), "every attempt resends the same signed transaction")
	}
}

func TestLiveWriter_AlreadyKnownIsSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{errors.New("already known")}
	w, _ := newTestWriter(t, backend, nil)

	res, err := w.SubmitBatch(context.Background(), testUpdates())
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxID)
	assert.Equal(t, 1, backend.sentCount())
}

func TestLiveWriter_PermanentErrorNotRetried(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	w, journal := newTestWriter(t, backend, nil)

	res, err := w.SubmitBatch(context.Background(), testUpdates())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, backend.sentCount())
	assert.EqualValues(t, 0, journal.Len())
}

func TestLiveWriter_GivesUpAfterMaxAttempts(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}
	w, _ := newTestWriter(t, backend, nil)

	_, err := w.SubmitBatch(context.Background(), testUpdates())
	require.Error(t, err)
	assert.Equal(t, 3, backend.sentCount())

	// Three retryable failures in a row open the registry breaker
	assert.Equal(t, circuitbreaker.StateOpen, w.BreakerStats().State)
	_, err = w.SubmitBatch(context.Background(), testUpdates())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, backend.sentCount())
}

func TestLiveWriter_RejectionsDoNotOpenBreaker(t *testing.T) {
	backend := newFakeBackend()
	for i := 0; i < 4; i++ {
		backend.sendErrs = append(backend.sendErrs, errors.New("execution reverted"))
	}
	w, _ := newTestWriter(t, backend, nil)

	for i := 0; i < 4; i++ {
		_, err := w.SubmitBatch(context.Background(), testUpdates())
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.BreakerStats().State)
	assert.Equal(t, 4, backend.sentCount())
}

func TestLiveWriter_WaitsForReceipt(t *testing.T) {
	t.Run("successful receipt", func(t *testing.T) {
		backend := newFakeBackend()
		w, _ := newTestWriter(t, backend, func(c *LiveWriterConfig) { c.ConfirmTimeout = time.Second })

		_, err := w.SubmitBatch(context.Background(), testUpdates())
		require.NoError(t, err)
	})

	t.Run("reverted receipt", func(t *testing.T) {
		backend := newFakeBackend()
		backend.status = ethtypes.ReceiptStatusFailed
		w, journal := newTestWriter(t, backend, func(c *LiveWriterConfig) { c.ConfirmTimeout = time.Second })

		_, err := w.SubmitBatch(context.Background(), testUpdates())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reverted")
		assert.EqualValues(t, 0, journal.Len())
	})

	t.Run("never mined", func(t *testing.T) {
		backend := newFakeBackend()
		backend.receiptErr = ethereum.NotFound
		w, _ := newTestWriter(t, backend, func(c *LiveWriterConfig) {
			c.ConfirmTimeout = 50 * time.Millisecond
			c.PollInterval = 10 * time.Millisecond
			c.Clock = clock.NewClock()
		})

		_, err := w.SubmitBatch(context.Background(), testUpdates())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not mined")
	})
}

func TestLiveWriter_RejectsInvalidEntries(t *testing.T) {
	backend := newFakeBackend()
	w, _ := newTestWriter(t, backend, nil)

	_, err := w.SubmitBatch(context.Background(), []models.ScoreUpdate{{Address: "not-an-address", Score: 1}})
	require.Error(t, err)

	_, err = w.SubmitBatch(context.Background(), []models.ScoreUpdate{{Address: "0x0000000000000000000000000000000000000001", Score: -5}})
	require.Error(t, err)

	assert.Equal(t, 0, backend.sentCount())
}

func TestLiveWriter_UpdateScore(t *testing.T) {
	backend := newFakeBackend()
	w, _ := newTestWriter(t, backend, nil)

	res, err := w.UpdateScore(context.Background(), "0x0000000000000000000000000000000000000001", 850)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, 1, res.Count)

	method := registryABI(t).Methods["updateScore"]
	tx := backend.sent[0]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000001"), args[0].(common.Address))
	assert.EqualValues(t, 850, args[1].(*big.Int).Int64())
}

func TestLiveWriter_WalletAndGas(t *testing.T) {
	backend := newFakeBackend()
	backend.balance, _ = new(big.Int).SetString("1500000000000000000", 10)
	w, _ := newTestWriter(t, backend, nil)

	balance, err := w.WalletBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.500000", WeiToEther(balance))

	gas, err := w.EstimateGas(context.Background(), testUpdates())
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), gas)
}

func TestNewLiveWriter_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *LiveWriterConfig)
	}{
		{name: "bad registry", mutate: func(c *LiveWriterConfig) { c.RegistryAddress = "0x1234" }},
		{name: "bad key", mutate: func(c *LiveWriterConfig) { c.PrivateKey = "nothex" }},
		{name: "zero chain id", mutate: func(c *LiveWriterConfig) { c.ChainID = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWriterConfig()
			tt.mutate(&cfg)
			_, err := NewLiveWriter(newFakeBackend(), cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestWeiToEther(t *testing.T) {
	assert.Equal(t, "0", WeiToEther(nil))
	assert.Equal(t, "0.000000", WeiToEther(big.NewInt(0)))
	assert.Equal(t, "2.000000", WeiToEther(new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))))
}
