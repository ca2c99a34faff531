// Package agent runs the score update cycle: select due accounts, score them,
// submit changed scores to the registry and record the outcome.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/score-agent/internal/badge"
	"github.com/score-agent/internal/chain"
	apperrors "github.com/score-agent/internal/errors"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/selector"
	"github.com/score-agent/internal/storage"
	"github.com/score-agent/internal/types"
)

const (
	defaultBatchSize = 50
	defaultInterval  = time.Hour
	defaultLockTTL   = 10 * time.Minute
	defaultCacheTTL  = 10 * time.Minute
)

// Store is the storage the cycle reads from and writes back to
type Store interface {
	storage.AccountReader
	storage.AccountWriter
}

// CycleLock keeps replicas from running overlapping cycles. *storage.RedisCache satisfies it.
type CycleLock interface {
	AcquireCycleLock(ctx context.Context, token string, ttl time.Duration) (bool, error)
	ReleaseCycleLock(ctx context.Context, token string) error
}

// BreakdownCache stores freshly computed breakdowns for readers. *storage.RedisCache satisfies it.
type BreakdownCache interface {
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// Config holds the agent's collaborators and tuning
type Config struct {
	Store     Store
	Writer    chain.Writer
	Snapshots storage.SnapshotWriter // optional
	Lock      CycleLock              // optional
	Cache     BreakdownCache         // optional
	Badges    *badge.Evaluator       // optional
	Clock     clock.Clock

	BatchSize       int
	StalenessWindow time.Duration
	Interval        time.Duration
	Workers         int // 1 scores accounts sequentially
	LockTTL         time.Duration
	CacheTTL        time.Duration
}

// ScoreAgent orchestrates update cycles
type ScoreAgent struct {
	store      Store
	writer     chain.Writer
	snapshots  storage.SnapshotWriter
	lock       CycleLock
	cache      BreakdownCache
	badges     *badge.Evaluator
	calculator *scoring.Calculator
	policy     *selector.Policy
	clock      clock.Clock

	batchSize int
	interval  time.Duration
	workers   int
	lockTTL   time.Duration
	cacheTTL  time.Duration

	// cycleMu serialises RunCycle callers
	cycleMu sync.Mutex

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	cycles    int64
	lastCycle *CycleResult
}

// scored is one account's computation within a cycle; nil entries were skipped
type scored struct {
	account   models.Account
	breakdown scoring.Breakdown
}

// New validates cfg and builds an agent
func New(cfg *Config) (*ScoreAgent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("chain writer cannot be nil")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	return &ScoreAgent{
		store:      cfg.Store,
		writer:     cfg.Writer,
		snapshots:  cfg.Snapshots,
		lock:       cfg.Lock,
		cache:      cfg.Cache,
		badges:     cfg.Badges,
		calculator: scoring.NewCalculator(clk),
		policy:     selector.NewPolicy(cfg.StalenessWindow, clk),
		clock:      clk,
		batchSize:  batchSize,
		interval:   interval,
		workers:    workers,
		lockTTL:    lockTTL,
		cacheTTL:   cacheTTL,
	}, nil
}

// RunCycle executes one full update cycle. It never panics and never returns an error:
// every failure is logged and reported on the result.
func (a *ScoreAgent) RunCycle(ctx context.Context) (result *CycleResult) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	start := a.clock.Now()
	result = &CycleResult{CycleID: uuid.NewString(), StartedAt: start.UTC()}

	ctx, logger := logging.With(ctx, "cycleId", result.CycleID)

	defer func() {
		if r := recover(); r != nil {
			result.Err = apperrors.NewInternalError("cycle panicked", fmt.Errorf("%v", r))
			logger.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Agent cycle failed")
		}
		result.Duration = a.clock.Since(start)
		a.recordResult(result)
	}()

	logger.Info("Starting agent cycle")

	if a.lock != nil {
		acquired, err := a.lock.AcquireCycleLock(ctx, result.CycleID, a.lockTTL)
		if err != nil {
			result.Err = err
			logger.WithError(err).Error("Failed to acquire cycle lock, skipping cycle")
			return result
		}
		if !acquired {
			result.LockHeld = true
			logger.Info("Another agent holds the cycle lock, skipping cycle")
			return result
		}
		defer func() {
			if err := a.lock.ReleaseCycleLock(context.WithoutCancel(ctx), result.CycleID); err != nil {
				logger.WithError(err).Warn("Failed to release cycle lock")
			}
		}()
	}

	accounts, err := a.store.AccountsNeedingUpdate(ctx, a.policy.Cutoff(), a.batchSize)
	if err != nil {
		result.Err = apperrors.NewDatabaseError("accounts_needing_update", err)
		logger.WithError(err).Error("Failed to fetch due accounts")
		return result
	}

	result.Due = len(accounts)
	logger.WithFields(map[string]interface{}{
		"count": result.Due,
		"state": types.StateDue,
	}).Info("Found accounts to process")
	if len(accounts) == 0 {
		logger.Info("No accounts need updates")
		return result
	}

	var updates []models.ScoreUpdate
	var fresh []scored
	for _, s := range a.scoreAll(ctx, accounts) {
		if s == nil {
			result.Skipped++
			continue
		}
		result.Scored++
		fresh = append(fresh, *s)

		if !selector.HasChanged(s.account, s.breakdown.TotalScore) {
			logger.WithFields(map[string]interface{}{
				"address": s.account.ID,
				"state":   types.StateExcluded,
			}).Debug("Score unchanged")
			result.Excluded++
			continue
		}
		logger.WithFields(map[string]interface{}{
			"address": s.account.ID,
			"from":    s.account.TotalScore,
			"to":      s.breakdown.TotalScore,
			"state":   types.StateBatched,
		}).Debug("Score change")
		updates = append(updates, toUpdate(s))
	}
	result.Batched = len(updates)

	a.cacheBreakdowns(ctx, fresh)

	if len(updates) == 0 {
		logger.Info("No score changes detected")
	} else {
		a.submit(ctx, result, updates)
	}
	return result
}

// submit writes the batch to the registry and, only after the write is accepted, marks every entry updated
func (a *ScoreAgent) submit(ctx context.Context, result *CycleResult, updates []models.ScoreUpdate) {
	logger := logging.FromContext(ctx)
	logger.WithField("count", len(updates)).Info("Preparing to update scores on-chain")

	res, err := a.writer.SubmitBatch(ctx, updates)
	if err != nil {
		result.SubmitErr = err
		logger.WithError(err).Error("Chain write failed, batch stays due for the next cycle")
		return
	}
	if res != nil {
		result.TxID = res.TxID
		result.Simulated = res.Simulated
	}
	logger.WithFields(map[string]interface{}{
		"txId":      result.TxID,
		"simulated": result.Simulated,
	}).Info("Batch update submitted")

	now := a.clock.Now().Unix()
	if err := a.store.MarkBatchUpdated(ctx, updates, now); err != nil {
		result.Err = apperrors.NewDatabaseError("mark_batch_updated", err)
		logger.WithError(err).Error("Failed to mark batch updated")
		return
	}
	result.Marked = len(updates)
	logger.WithFields(map[string]interface{}{
		"count": result.Marked,
		"state": types.StateMarkedUpdated,
	}).Debug("Batch marked updated")

	a.recordSnapshots(ctx, updates, now, result.TxID)

	if a.badges != nil {
		result.PendingBadges = a.badges.Evaluate(ctx, result.CycleID, updates)
	}
}

// scoreAll gathers and scores each account independently. A failed account yields a nil entry.
func (a *ScoreAgent) scoreAll(ctx context.Context, accounts []models.Account) []*scored {
	out := make([]*scored, len(accounts))

	if a.workers <= 1 {
		for i, acc := range accounts {
			out[i] = a.scoreOne(ctx, acc)
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			out[i] = a.scoreOne(ctx, acc)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *ScoreAgent) scoreOne(ctx context.Context, acc models.Account) (s *scored) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"address": acc.ID,
		"state":   types.StateSkipped,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithError(apperrors.NewScoringError(acc.ID, fmt.Errorf("%v", r))).Error("Error calculating score")
			s = nil
		}
	}()

	mints, err := a.store.MintsFor(ctx, acc.ID)
	if err != nil {
		logger.WithError(apperrors.NewScoringError(acc.ID, err)).Error("Failed to load mints")
		return nil
	}
	wallets, err := a.store.LinkedWalletsFor(ctx, acc.ID)
	if err != nil {
		logger.WithError(apperrors.NewScoringError(acc.ID, err)).Error("Failed to load linked wallets")
		return nil
	}

	return &scored{
		account: acc,
		breakdown: a.calculator.CalculateBreakdown(scoring.Input{
			FirstTxTimestamp: acc.FirstTxTimestamp,
			Mints:            mints,
			LinkedWallets:    wallets,
		}),
	}
}

func toUpdate(s *scored) models.ScoreUpdate {
	components := s.breakdown.ScoreComponents
	return models.ScoreUpdate{
		Address:    s.account.ID,
		Score:      s.breakdown.TotalScore,
		Components: &components,
	}
}

func (a *ScoreAgent) recordSnapshots(ctx context.Context, updates []models.ScoreUpdate, now int64, txID string) {
	if a.snapshots == nil {
		return
	}

	snaps := make([]models.ScoreSnapshot, 0, len(updates))
	for _, u := range updates {
		snaps = append(snaps, models.ScoreSnapshot{
			ID:        storage.SnapshotID(u.Address, now),
			AccountID: u.Address,
			Score:     u.Score,
			Tier:      scoring.GetTier(u.Score),
			Timestamp: now,
			TxID:      txID,
		})
	}
	if err := a.snapshots.RecordSnapshots(ctx, snaps); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record score snapshots")
	}
}

func (a *ScoreAgent) cacheBreakdowns(ctx context.Context, fresh []scored) {
	if a.cache == nil {
		return
	}
	for _, s := range fresh {
		if err := a.cache.SetJSON(ctx, storage.BreakdownKey(s.account.ID), s.breakdown, a.cacheTTL); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("address", s.account.ID).Debug("Failed to cache breakdown")
		}
	}
}
