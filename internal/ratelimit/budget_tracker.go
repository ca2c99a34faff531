package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second     // fixed window, aligned to the clock
	DefaultKeyTTL     = 2 * time.Second // window + buffer
)

// Redis key prefixes for CU tracking.
const (
	KeyPrefixTotal  = "score-agent:cu:total:"
	KeyPrefixMethod = "score-agent:cu:method:"
)

// consumeScript checks and increments the window counter atomically
var consumeScript = redis.NewScript(`
	local used = tonumber(redis.call('GET', KEYS[1]) or '0')
	local cu = tonumber(ARGV[1])
	if used + cu > tonumber(ARGV[2]) then
		return {0, used}
	end
	redis.call('INCRBY', KEYS[1], cu)
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
	return {1, used + cu}
`)

// CUBudgetTracker coordinates CU consumption across agent replicas using Redis
type CUBudgetTracker struct {
	redis      redis.Cmdable
	budget     int
	windowSize time.Duration
	keyTTL     time.Duration
	clock      clock.Clock
}

// CUBudgetTrackerConfig holds configuration for the budget tracker.
type CUBudgetTrackerConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// Budget is the CU allowed per window. Required.
	Budget int

	// WindowSize defaults to 1s.
	WindowSize time.Duration

	// KeyTTL defaults to 2s and is raised to at least WindowSize.
	KeyTTL time.Duration

	Clock clock.Clock
}

// CUUsageStats contains current consumption metrics.
type CUUsageStats struct {
	Used        int
	Budget      int
	WindowStart time.Time
}

// Validate checks if the configuration is valid.
func (c *CUBudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Budget <= 0 {
		return errors.New("budget must be positive")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// NewCUBudgetTracker creates a new tracker with the given configuration.
func NewCUBudgetTracker(cfg *CUBudgetTrackerConfig) (*CUBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}
	if keyTTL < windowSize {
		keyTTL = windowSize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	return &CUBudgetTracker{
		redis:      cfg.Redis,
		budget:     cfg.Budget,
		windowSize: windowSize,
		keyTTL:     keyTTL,
		clock:      clk,
	}, nil
}

// windowStart returns the start of the current window
func (t *CUBudgetTracker) windowStart() time.Time {
	return t.clock.Now().Truncate(t.windowSize)
}

func totalKey(window time.Time) string {
	return KeyPrefixTotal + strconv.FormatInt(window.UnixMilli(), 10)
}

// TryConsume attempts to consume cu from the current window.
// When denied it returns the time until the next window starts.
func (t *CUBudgetTracker) TryConsume(ctx context.Context, cu int) (bool, time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	window := t.windowStart()
	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey(window)}, cu, t.budget, ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		// Redis errors deny the request
		return false, t.waitTime(window)
	}
	return true, 0
}

// waitTime returns the time until the window after window starts, plus a small buffer
func (t *CUBudgetTracker) waitTime(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns CU usage for the current window
func (t *CUBudgetTracker) GetUsage(ctx context.Context) (*CUUsageStats, error) {
	window := t.windowStart()
	used, err := t.redis.Get(ctx, totalKey(window)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return &CUUsageStats{
		Used:        used,
		Budget:      t.budget,
		WindowStart: window,
	}, nil
}

// RecordMethodUsage records CU consumed by one RPC method. Monitoring only.
func (t *CUBudgetTracker) RecordMethodUsage(ctx context.Context, method string, cu int) error {
	if cu <= 0 || method == "" {
		return nil
	}

	key := fmt.Sprintf("%s%s:%d", KeyPrefixMethod, method, t.windowStart().UnixMilli())
	pipe := t.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(cu))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Budget returns the configured CU per window.
func (t *CUBudgetTracker) Budget() int {
	return t.budget
}

// WindowSize returns the configured window size.
func (t *CUBudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
