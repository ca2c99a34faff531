package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRPC      = errors.New("rpc unavailable")
	errReverted = errors.New("execution reverted")
)

func newTestBreaker() (*Breaker, *fakeclock.FakeClock) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	b := New(Config{
		Name:      "registry",
		Threshold: 3,
		Cooldown:  10 * time.Second,
		Counts: func(err error) bool {
			return CountsAll(err) && !errors.Is(err, errReverted)
		},
		Clock: clk,
	})
	return b, clk
}

func fail() error    { return errRPC }
func revert() error  { return errReverted }
func succeed() error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errRPC)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Trips)
	assert.Equal(t, "rpc unavailable", stats.LastError)
	assert.True(t, stats.RetryAt.Equal(time.Unix(1700000010, 0)))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Stats().ConsecutiveFailures)
}

func TestBreaker_UncountedErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(ctx, revert), errReverted)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)

	wrapped := func() error { return fmt.Errorf("send: %w", context.DeadlineExceeded) }
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, wrapped)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Increment(9 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)

	clk.Increment(2 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.Increment(11 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errRPC)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2, b.Stats().Trips)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreaker_SingleProbe(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	clk.Increment(11 * time.Second)

	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrProbeInFlight)

	// A reverted probe leaves the breaker half-open for the next caller
	b.Record(errReverted)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancelledContext(t *testing.T) {
	b, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	assert.ErrorIs(t, b.Execute(ctx, func() error { called = true; return nil }), context.Canceled)
	assert.False(t, called)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
	assert.Empty(t, b.Stats().LastError)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "x"})
	assert.Equal(t, 1, b.threshold)
	assert.True(t, b.counts(errRPC))
	assert.False(t, b.counts(nil))

	cfg := DefaultConfig("registry")
	assert.Equal(t, 3, cfg.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown)
}
