package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/score-agent/internal/badge"
	"github.com/score-agent/internal/circuitbreaker"
	"github.com/score-agent/internal/logging"
)

const stopTimeout = 30 * time.Second

// CycleResult reports what one cycle did
type CycleResult struct {
	CycleID   string        `json:"cycleId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	// LockHeld is true when another agent owned the cycle lock and nothing ran
	LockHeld bool `json:"lockHeld"`

	Due      int `json:"due"`
	Scored   int `json:"scored"`
	Skipped  int `json:"skipped"`
	Excluded int `json:"excluded"`
	Batched  int `json:"batched"`
	Marked   int `json:"marked"`

	TxID          string               `json:"txId,omitempty"`
	Simulated     bool                 `json:"simulated"`
	PendingBadges []badge.PendingBadge `json:"pendingBadges,omitempty"`

	// SubmitErr is the registry write failure. Err is any other cycle-level failure.
	SubmitErr error `json:"-"`
	Err       error `json:"-"`
}

// Status is a point-in-time view of the agent
type Status struct {
	Running         bool          `json:"running"`
	Live            bool          `json:"live"`
	Interval        time.Duration `json:"interval"`
	Cycles          int64         `json:"cycles"`
	LastCycle       *CycleResult  `json:"lastCycle,omitempty"`
	LastSubmitError string        `json:"lastSubmitError,omitempty"`
	LastError       string        `json:"lastError,omitempty"`

	// Breaker is set when the writer guards submissions with a circuit breaker
	Breaker *circuitbreaker.Stats `json:"breaker,omitempty"`
}

type breakerReporter interface {
	BreakerStats() circuitbreaker.Stats
}

// Start runs one cycle immediately and then one every interval until Stop or ctx is done
func (a *ScoreAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("score agent is already running")
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	stopCh, doneCh := a.stopCh, a.doneCh
	a.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"interval": a.interval.String(),
		"live":     a.writer.IsLive(),
	}).Info("Score agent starting")

	go a.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish
func (a *ScoreAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("score agent is not running")
	}
	stopCh, doneCh := a.stopCh, a.doneCh
	a.stopCh = nil
	a.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	timer := a.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-doneCh:
		logging.FromContext(ctx).Info("Score agent stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return fmt.Errorf("score agent stop timed out after %v", stopTimeout)
	}
}

// Done is closed when the running loop exits. It is nil before Start.
func (a *ScoreAgent) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.doneCh
}

func (a *ScoreAgent) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		close(doneCh)
	}()

	logger := logging.FromContext(ctx)

	a.RunCycle(ctx)

	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Score agent context cancelled")
			return
		case <-stopCh:
			logger.Info("Score agent stop signal received")
			return
		case <-ticker.C():
			a.RunCycle(ctx)
		}
	}
}

func (a *ScoreAgent) recordResult(result *CycleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cycles++
	a.lastCycle = result
}

// GetStatus returns current agent status
func (a *ScoreAgent) GetStatus() *Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	status := &Status{
		Running:  a.running,
		Live:     a.writer.IsLive(),
		Interval: a.interval,
		Cycles:   a.cycles,
	}
	if br, ok := a.writer.(breakerReporter); ok {
		stats := br.BreakerStats()
		status.Breaker = &stats
	}
	if a.lastCycle != nil {
		last := *a.lastCycle
		status.LastCycle = &last
		if last.SubmitErr != nil {
			status.LastSubmitError = last.SubmitErr.Error()
		}
		if last.Err != nil {
			status.LastError = last.Err.Error()
		}
	}
	return status
}
