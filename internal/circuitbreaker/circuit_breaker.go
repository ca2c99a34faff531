// Package circuitbreaker stops sending registry transactions to a node that keeps failing.
//
// Submissions happen at most a few times per cycle, so the breaker trips on
// consecutive counted failures rather than a failure rate. Errors the Counts
// predicate rejects (a reverted call, a cancelled context) pass through
// without moving the breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/logging"
)

// State of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned while the breaker refuses calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrProbeInFlight is returned to callers arriving while a half-open probe runs
var ErrProbeInFlight = errors.New("circuit breaker probe in flight")

// Config configures a Breaker
type Config struct {
	Name string
	// Threshold is the number of consecutive counted failures that opens the breaker
	Threshold int
	// Cooldown is how long the breaker stays open before letting one probe through
	Cooldown time.Duration
	// Counts reports whether err should count against the node. Defaults to CountsAll.
	Counts func(err error) bool
	Clock  clock.Clock
}

// DefaultConfig returns the breaker used in front of registry submissions
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 3,
		Cooldown:  5 * time.Minute,
	}
}

// CountsAll counts every error except context cancellation
func CountsAll(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Breaker guards calls to one node
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	counts    func(error) bool
	clock     clock.Clock

	mu          sync.Mutex
	state       State
	consecutive int
	openedAt    time.Time
	probing     bool
	trips       int
	lastErr     error
}

// New builds a closed breaker
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = CountsAll
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		counts:    cfg.Counts,
		clock:     cfg.Clock,
		state:     StateClosed,
	}
}

// Execute runs fn unless the breaker is open and records its outcome
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. A nil result obliges the caller to Record the outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger().Info("Circuit breaker letting a probe through")
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrProbeInFlight
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back into the breaker
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	b.probing = false

	if !b.counts(err) {
		if wasProbe && err != nil {
			// an uncounted probe result says nothing about the node; let the next call probe
			return
		}
		if b.state != StateClosed {
			b.logger().Info("Circuit breaker closed")
		}
		b.state = StateClosed
		b.consecutive = 0
		return
	}

	b.lastErr = err
	b.consecutive++
	if wasProbe || b.consecutive >= b.threshold {
		b.trip()
	}
}

// trip must be called with mu held
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.trips++
	b.logger().WithFields(map[string]interface{}{
		"consecutiveFailures": b.consecutive,
		"cooldown":            b.cooldown.String(),
	}).WithError(b.lastErr).Warn("Circuit breaker opened")
}

func (b *Breaker) logger() *logging.Logger {
	return logging.WithField("circuitBreaker", b.name)
}

// State returns the current state without moving an expired open breaker to half-open
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Trips               int       `json:"trips"`
	RetryAt             time.Time `json:"retryAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		Trips:               b.trips,
	}
	if b.state == StateOpen {
		s.RetryAt = b.openedAt.Add(b.cooldown)
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

// Reset closes the breaker and forgets past failures
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutive = 0
	b.probing = false
	b.lastErr = nil
	b.logger().Info("Circuit breaker reset")
}
