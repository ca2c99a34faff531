// Package badge flags accounts that crossed the badge score threshold.
//
// Flagging is the whole job: the on-chain mint call is not defined yet, so
// eligible accounts become PendingBadge actions handed to a Minter.
package badge

import (
	"context"
	"errors"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/storage"
	"github.com/score-agent/internal/types"
)

// DefaultThreshold matches the highest tier boundary
const DefaultThreshold = scoring.BasedThreshold

// PendingBadge is an eligibility flag waiting for a minting implementation
type PendingBadge struct {
	Kind      types.PendingActionKind `json:"kind"`
	Address   string                  `json:"address"`
	Score     int64                   `json:"score"`
	Tier      types.Tier              `json:"tier"`
	CycleID   string                  `json:"cycleId,omitempty"`
	FlaggedAt time.Time               `json:"flaggedAt"`
}

// Minter receives pending badge actions
type Minter interface {
	Enqueue(ctx context.Context, badge PendingBadge) error
}

// AccountLookup is the read the evaluator needs. storage.AccountReader satisfies it.
type AccountLookup interface {
	AccountBy(ctx context.Context, address string) (*models.Account, error)
}

// LoggingMinter logs each action and keeps one pending entry per address
type LoggingMinter struct {
	mu      sync.Mutex
	pending map[string]PendingBadge
	order   []string
}

// NewLoggingMinter creates an empty LoggingMinter
func NewLoggingMinter() *LoggingMinter {
	return &LoggingMinter{pending: make(map[string]PendingBadge)}
}

// Enqueue records the action. A repeated address replaces its earlier entry.
func (m *LoggingMinter) Enqueue(ctx context.Context, b PendingBadge) error {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"address": b.Address,
		"score":   b.Score,
		"tier":    b.Tier,
		"kind":    b.Kind,
	}).Info("Account eligible for BASED badge")

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[b.Address]; !ok {
		m.order = append(m.order, b.Address)
	}
	m.pending[b.Address] = b
	return nil
}

// Pending returns the recorded actions in first-flagged order
func (m *LoggingMinter) Pending() []PendingBadge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingBadge, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, m.pending[addr])
	}
	return out
}

// Evaluator turns confirmed score updates into pending badge actions
type Evaluator struct {
	threshold int64
	accounts  AccountLookup
	minter    Minter
	clock     clock.Clock
}

// NewEvaluator creates an evaluator. threshold <= 0 uses DefaultThreshold.
func NewEvaluator(threshold int64, accounts AccountLookup, minter Minter, clk clock.Clock) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Evaluator{threshold: threshold, accounts: accounts, minter: minter, clock: clk}
}

// Threshold returns the score an update needs to be considered
func (e *Evaluator) Threshold() int64 {
	return e.threshold
}

// Evaluate flags every update at or above the threshold whose account exists and holds no badge.
// Lookup and enqueue failures are logged and skip only the affected account.
func (e *Evaluator) Evaluate(ctx context.Context, cycleID string, updates []models.ScoreUpdate) []PendingBadge {
	logger := logging.FromContext(ctx)
	var flagged []PendingBadge

	for _, u := range updates {
		if u.Score < e.threshold {
			continue
		}

		acc, err := e.accounts.AccountBy(ctx, u.Address)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.WithError(err).WithField("address", u.Address).Warn("Badge check failed to load account")
			}
			continue
		}
		if acc.BadgeMinted {
			continue
		}

		b := PendingBadge{
			Kind:      types.ActionMintBadge,
			Address:   u.Address,
			Score:     u.Score,
			Tier:      scoring.GetTier(u.Score),
			CycleID:   cycleID,
			FlaggedAt: e.clock.Now().UTC(),
		}
		if err := e.minter.Enqueue(ctx, b); err != nil {
			logger.WithError(err).WithField("address", u.Address).Warn("Failed to queue badge action")
			continue
		}
		flagged = append(flagged, b)
	}

	return flagged
}
