package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/selector"
	"github.com/score-agent/internal/types"
)

// MemoryStore is an in-process Store for tests, fixtures and dry runs
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]models.Account
	mints     map[string][]models.Mint // by minter
	linked    map[string][]models.LinkedWallet
	snapshots map[string][]models.ScoreSnapshot // by account
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]models.Account),
		mints:     make(map[string][]models.Mint),
		linked:    make(map[string][]models.LinkedWallet),
		snapshots: make(map[string][]models.ScoreSnapshot),
	}
}

// UpsertAccount inserts or replaces an account
func (s *MemoryStore) UpsertAccount(_ context.Context, acc models.Account) error {
	if acc.ID == "" {
		return fmt.Errorf("%w: account without id", ErrInvalidInput)
	}
	acc.ID = types.NormalizeAddress(acc.ID)
	acc.Tier = tierOrDefault(acc.Tier)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = copyAccount(acc)
	return nil
}

// AddMint records a mint
func (s *MemoryStore) AddMint(_ context.Context, m models.Mint) error {
	if m.Minter == "" {
		return fmt.Errorf("%w: mint without minter", ErrInvalidInput)
	}
	m.Minter = types.NormalizeAddress(m.Minter)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints[m.Minter] = append(s.mints[m.Minter], m)
	return nil
}

// AddLinkedWallet records a linked wallet
func (s *MemoryStore) AddLinkedWallet(_ context.Context, w models.LinkedWallet) error {
	if w.MainAccountID == "" || w.Address == "" {
		return fmt.Errorf("%w: linked wallet without address", ErrInvalidInput)
	}
	w.MainAccountID = types.NormalizeAddress(w.MainAccountID)
	w.Address = types.NormalizeAddress(w.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.linked[w.MainAccountID] = append(s.linked[w.MainAccountID], w)
	return nil
}

// AccountsNeedingUpdate returns due accounts, oldest first
func (s *MemoryStore) AccountsNeedingUpdate(_ context.Context, cutoff int64, limit int) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]selector.Candidate, 0, len(s.accounts))
	for id, acc := range s.accounts {
		candidates = append(candidates, selector.Candidate{
			Account:      acc,
			LatestMintAt: latestMint(s.mints[id]),
		})
	}

	ids := selector.SelectDueAt(candidates, limit, cutoff)
	out := make([]models.Account, len(ids))
	for i, id := range ids {
		out[i] = copyAccount(s.accounts[id])
	}
	return out, nil
}

func latestMint(mints []models.Mint) *int64 {
	var latest *int64
	for _, m := range mints {
		if m.MintedAt != nil && (latest == nil || *m.MintedAt > *latest) {
			v := *m.MintedAt
			latest = &v
		}
	}
	return latest
}

// MintsFor returns the account's own mints, newest first
func (s *MemoryStore) MintsFor(_ context.Context, address string) ([]models.Mint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.mints[types.NormalizeAddress(address)]
	out := make([]models.Mint, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return mintedAt(out[i]) > mintedAt(out[j])
	})
	return out, nil
}

func mintedAt(m models.Mint) int64 {
	if m.MintedAt == nil {
		return -1
	}
	return *m.MintedAt
}

// LinkedWalletsFor returns wallets linked to a main account
func (s *MemoryStore) LinkedWalletsFor(_ context.Context, address string) ([]models.LinkedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.linked[types.NormalizeAddress(address)]
	out := make([]models.LinkedWallet, len(src))
	copy(out, src)
	return out, nil
}

// AccountBy returns a single account
func (s *MemoryStore) AccountBy(_ context.Context, address string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[types.NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	out := copyAccount(acc)
	return &out, nil
}

// MarkUpdated stamps one account's last_updated
func (s *MemoryStore) MarkUpdated(_ context.Context, address string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := types.NormalizeAddress(address)
	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	acc.LastUpdated = timestamp
	s.accounts[id] = acc
	return nil
}

// MarkBatchUpdated applies every update under one lock or none of them
func (s *MemoryStore) MarkBatchUpdated(_ context.Context, updates []models.ScoreUpdate, timestamp int64) error {
	if err := validateUpdates(updates); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		id := types.NormalizeAddress(u.Address)
		acc, ok := s.accounts[id]
		if !ok {
			continue
		}
		acc.LastUpdated = timestamp
		acc.TotalScore = u.Score
		if c := u.Components; c != nil {
			acc.BaseScore = c.BaseScore
			acc.ZoraScore = c.ZoraScore
			acc.TimelyScore = c.TimelyScore
			acc.TotalScore = c.TotalScore
			acc.Tier = c.Tier
		}
		s.accounts[id] = acc
	}
	return nil
}

// TierDistribution counts accounts per stored tier
func (s *MemoryStore) TierDistribution(_ context.Context) (map[types.Tier]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dist := make(map[types.Tier]int64)
	for _, acc := range s.accounts {
		dist[acc.Tier]++
	}
	return dist, nil
}

// TopAccounts returns the highest-scoring accounts
func (s *MemoryStore) TopAccounts(_ context.Context, limit int) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, copyAccount(acc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].ID < out[j].ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EarlyMinters aggregates flagged early mints per minter
func (s *MemoryStore) EarlyMinters(_ context.Context) ([]models.EarlyMinter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EarlyMinter
	for minter, mints := range s.mints {
		em := models.EarlyMinter{Minter: minter}
		for _, m := range mints {
			if m.IsEarlyMint != nil && *m.IsEarlyMint {
				em.EarlyMintCount++
				em.TotalEarlyQuantity += m.EffectiveQuantity()
			}
		}
		if em.EarlyMintCount > 0 {
			out = append(out, em)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EarlyMintCount != out[j].EarlyMintCount {
			return out[i].EarlyMintCount > out[j].EarlyMintCount
		}
		return out[i].Minter < out[j].Minter
	})
	return out, nil
}

// RecordSnapshots appends score history rows, ignoring duplicate ids
func (s *MemoryStore) RecordSnapshots(_ context.Context, snapshots []models.ScoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		id := types.NormalizeAddress(snap.AccountID)
		dup := false
		for _, existing := range s.snapshots[id] {
			if existing.ID == snap.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.snapshots[id] = append(s.snapshots[id], snap)
		}
	}
	return nil
}

// SnapshotsFor returns an account's score history, newest first
func (s *MemoryStore) SnapshotsFor(_ context.Context, address string, limit int) ([]models.ScoreSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.snapshots[types.NormalizeAddress(address)]
	out := make([]models.ScoreSnapshot, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func copyAccount(acc models.Account) models.Account {
	if acc.FirstTxTimestamp != nil {
		v := *acc.FirstTxTimestamp
		acc.FirstTxTimestamp = &v
	}
	return acc
}
