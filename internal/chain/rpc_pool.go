package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/score-agent/internal/logging"
)

// DefaultEndpointCooldown is how long a rate-limited endpoint is skipped
const DefaultEndpointCooldown = 60 * time.Second

// ErrAllEndpointsLimited is returned when every endpoint is cooling down
var ErrAllEndpointsLimited = errors.New("all RPC endpoints are rate limited")

// DialFunc connects to one RPC endpoint
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthClient dials url with ethclient
func DialEthClient(ctx context.Context, url string) (Backend, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCPool is a Backend spread over several endpoints.
// It sticks to the current endpoint until a call is rate limited, then fails over to the
// next endpoint not cooling down and retries the call there.
type RPCPool struct {
	endpoints []string
	clients   []Backend
	dial      DialFunc
	cooldown  time.Duration
	clock     clock.Clock

	mu        sync.Mutex
	current   int
	limitedAt map[int]time.Time
}

// RPCPoolConfig configures an RPCPool
type RPCPoolConfig struct {
	Endpoints []string
	Cooldown  time.Duration // defaults to 60s
	Dial      DialFunc      // defaults to DialEthClient
	Clock     clock.Clock
}

// NewRPCPool connects to the first endpoint. The rest are dialed on first failover.
func NewRPCPool(ctx context.Context, cfg RPCPoolConfig) (*RPCPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one RPC endpoint is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultEndpointCooldown
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}

	p := &RPCPool{
		endpoints: cfg.Endpoints,
		clients:   make([]Backend, len(cfg.Endpoints)),
		dial:      cfg.Dial,
		cooldown:  cfg.Cooldown,
		clock:     cfg.Clock,
		limitedAt: make(map[int]time.Time),
	}

	client, err := p.dial(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	p.clients[0] = client
	return p, nil
}

// SplitEndpoints parses a comma-separated endpoint list, dropping blanks
func SplitEndpoints(urls string) []string {
	var endpoints []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// IsRateLimitError reports whether err looks like a provider throttling response
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "throttl")
}

// CurrentIndex returns the endpoint calls currently go to
func (p *RPCPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *RPCPool) active() (int, Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Prefer the primary again once its cooldown is over
	if p.current != 0 && p.available(0) {
		p.current = 0
	}
	return p.current, p.clients[p.current]
}

// available must be called with mu held
func (p *RPCPool) available(i int) bool {
	at, ok := p.limitedAt[i]
	if !ok {
		return true
	}
	if p.clock.Since(at) < p.cooldown {
		return false
	}
	delete(p.limitedAt, i)
	return true
}

// failover marks index as limited and moves to the next usable endpoint
func (p *RPCPool) failover(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := logging.FromContext(ctx)
	p.limitedAt[index] = p.clock.Now()
	if p.current != index {
		// another caller already moved on
		return nil
	}

	for i := 1; i < len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)
		if !p.available(next) {
			continue
		}
		if p.clients[next] == nil {
			client, err := p.dial(ctx, p.endpoints[next])
			if err != nil {
				logger.WithError(err).WithField("endpoint", next).Warn("Failed to connect to RPC endpoint")
				continue
			}
			p.clients[next] = client
		}
		p.current = next
		logger.WithFields(map[string]interface{}{
			"from": index,
			"to":   next,
		}).Warn("RPC endpoint rate limited, switched endpoint")
		return nil
	}
	return fmt.Errorf("%w (%d endpoints)", ErrAllEndpointsLimited, len(p.endpoints))
}

// do runs call against the active endpoint, failing over on rate limits
func (p *RPCPool) do(ctx context.Context, call func(Backend) error) error {
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		index, client := p.active()
		err := call(client)
		if !IsRateLimitError(err) {
			return err
		}
		if ferr := p.failover(ctx, index); ferr != nil {
			return fmt.Errorf("%w: %v", ferr, err)
		}
	}
	return ErrAllEndpointsLimited
}

func (p *RPCPool) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = p.do(ctx, func(b Backend) (e error) {
		nonce, e = b.PendingNonceAt(ctx, account)
		return e
	})
	return nonce, err
}

func (p *RPCPool) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = p.do(ctx, func(b Backend) (e error) {
		price, e = b.SuggestGasPrice(ctx)
		return e
	})
	return price, err
}

func (p *RPCPool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = p.do(ctx, func(b Backend) (e error) {
		gas, e = b.EstimateGas(ctx, msg)
		return e
	})
	return gas, err
}

func (p *RPCPool) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return p.do(ctx, func(b Backend) error {
		return b.SendTransaction(ctx, tx)
	})
}

func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (receipt *ethtypes.Receipt, err error) {
	err = p.do(ctx, func(b Backend) (e error) {
		receipt, e = b.TransactionReceipt(ctx, txHash)
		return e
	})
	return receipt, err
}

func (p *RPCPool) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (balance *big.Int, err error) {
	err = p.do(ctx, func(b Backend) (e error) {
		balance, e = b.BalanceAt(ctx, account, blockNumber)
		return e
	})
	return balance, err
}

// Close closes every dialed endpoint
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		switch c := client.(type) {
		case interface{ Close() }:
			c.Close()
		case io.Closer:
			_ = c.Close()
		}
		p.clients[i] = nil
	}
}
