// Package selector decides which accounts are due for recomputation and
// which recomputed scores are worth writing on-chain.
package selector

import (
	"sort"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/models"
)

// DefaultStalenessWindow is how long a stored score is trusted without new activity
const DefaultStalenessWindow = time.Hour

// Candidate is an account together with the newest mint timestamp attributed to it
type Candidate struct {
	Account      models.Account
	LatestMintAt *int64
}

// Policy holds the due-account rules
type Policy struct {
	StalenessWindow time.Duration
	clock           clock.Clock
}

// NewPolicy creates a policy. A non-positive window falls back to one hour.
func NewPolicy(window time.Duration, clk clock.Clock) *Policy {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Policy{StalenessWindow: window, clock: clk}
}

// Now returns the policy clock's current epoch second
func (p *Policy) Now() int64 {
	return p.clock.Now().Unix()
}

// Cutoff returns the epoch second before which last_updated counts as stale
func (p *Policy) Cutoff() int64 {
	return p.clock.Now().Add(-p.StalenessWindow).Unix()
}

// IsDue reports whether an account needs recomputation: it was last updated before
// the cutoff, or it has a mint newer than its last update.
func (p *Policy) IsDue(acc models.Account, latestMintAt *int64) bool {
	return IsDueAt(acc, latestMintAt, p.Cutoff())
}

// IsDueAt is IsDue against an explicit cutoff, shared with storage backends
func IsDueAt(acc models.Account, latestMintAt *int64, cutoff int64) bool {
	if acc.LastUpdated < cutoff {
		return true
	}
	return latestMintAt != nil && *latestMintAt > acc.LastUpdated
}

// SelectDue returns due account ids, oldest last_updated first, capped at limit
func (p *Policy) SelectDue(snapshot []Candidate, limit int) []string {
	return SelectDueAt(snapshot, limit, p.Cutoff())
}

// SelectDueAt is SelectDue against an explicit cutoff
func SelectDueAt(snapshot []Candidate, limit int, cutoff int64) []string {
	if limit <= 0 {
		return nil
	}

	due := make([]models.Account, 0, len(snapshot))
	for _, c := range snapshot {
		if IsDueAt(c.Account, c.LatestMintAt, cutoff) {
			due = append(due, c.Account)
		}
	}

	SortOldestFirst(due)

	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, acc := range due {
		ids[i] = acc.ID
	}
	return ids
}

// SortOldestFirst orders accounts by last_updated ascending, ties broken by id
func SortOldestFirst(accounts []models.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].LastUpdated != accounts[j].LastUpdated {
			return accounts[i].LastUpdated < accounts[j].LastUpdated
		}
		return accounts[i].ID < accounts[j].ID
	})
}

// HasChanged reports whether a recomputed total differs from the stored one
func HasChanged(stored models.Account, newTotal int64) bool {
	return stored.TotalScore != newTotal
}
