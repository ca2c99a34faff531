// Package scoring maps an account's raw activity history to component scores,
// a total score and a tier. Everything here is pure apart from reading the
// injected clock for the current time.
package scoring

import (
	"code.cloudfoundry.org/clock"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

// Point values and windows
const (
	TenurePointsPerDay = 1
	ZoraMintPoints     = 10
	EarlyMintBonus     = 100

	SecondsPerDay   = 86400
	EarlyMintWindow = 24 * 60 * 60 // seconds after collection deploy
)

// Tier thresholds, inclusive lower bounds
const (
	BasedThreshold  = 1000
	GoldThreshold   = 850
	SilverThreshold = 500
	BronzeThreshold = 100
)

// Input is everything the calculator needs for one account
type Input struct {
	FirstTxTimestamp *int64
	Mints            []models.Mint
	LinkedWallets    []models.LinkedWallet
}

// Breakdown is a full score computation. The embedded components already include
// linked-wallet contributions; the counters describe the account's own activity
// and the linked wallets separately.
type Breakdown struct {
	models.ScoreComponents

	TenureDays        int64 `json:"tenureDays"`
	MintQuantity      int64 `json:"mintQuantity"`
	EarlyMintQuantity int64 `json:"earlyMintQuantity"`

	LinkedWallets    int   `json:"linkedWallets"`
	LinkedTenureDays int64 `json:"linkedTenureDays"`
	LinkedZoraMints  int64 `json:"linkedZoraMints"`
	LinkedEarlyMints int64 `json:"linkedEarlyMints"`
}

// Calculator computes scores against a clock
type Calculator struct {
	clock clock.Clock
}

// NewCalculator creates a calculator. A nil clock uses wall-clock time.
func NewCalculator(clk clock.Clock) *Calculator {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Calculator{clock: clk}
}

// CalculateTotalScore returns the total score for the input
func (c *Calculator) CalculateTotalScore(in Input) int64 {
	return c.CalculateBreakdown(in).TotalScore
}

// CalculateBreakdown returns every component score, the total, the tier and descriptive counters
func (c *Calculator) CalculateBreakdown(in Input) Breakdown {
	now := c.clock.Now().Unix()
	var b Breakdown

	b.TenureDays = TenureDays(in.FirstTxTimestamp, now)
	for _, m := range in.Mints {
		qty := m.EffectiveQuantity()
		b.MintQuantity += qty
		if IsEarlyMint(m) {
			b.EarlyMintQuantity += qty
		}
	}

	b.LinkedWallets = len(in.LinkedWallets)
	for _, w := range in.LinkedWallets {
		// Linked counters are pre-aggregated and never re-classified per mint
		b.LinkedTenureDays += TenureDays(w.FirstTxTimestamp, now)
		b.LinkedZoraMints += nonNegative(w.ZoraMintCount)
		b.LinkedEarlyMints += nonNegative(w.EarlyMintCount)
	}

	b.BaseScore = (b.TenureDays + b.LinkedTenureDays) * TenurePointsPerDay
	b.ZoraScore = (b.MintQuantity + b.LinkedZoraMints) * ZoraMintPoints
	b.TimelyScore = (b.EarlyMintQuantity + b.LinkedEarlyMints) * EarlyMintBonus
	b.TotalScore = b.BaseScore + b.ZoraScore + b.TimelyScore
	b.Tier = GetTier(b.TotalScore)

	return b
}

// TenureDays returns whole days elapsed between firstTx and now, never negative.
// A nil or zero timestamp means no recorded transaction.
func TenureDays(firstTx *int64, now int64) int64 {
	if firstTx == nil || *firstTx == 0 {
		return 0
	}
	elapsed := now - *firstTx
	if elapsed <= 0 {
		return 0
	}
	return elapsed / SecondsPerDay
}

// IsEarlyMint reports whether a mint landed within the half-open window
// [deployedAt, deployedAt+24h). An explicit indexer flag wins when true.
func IsEarlyMint(m models.Mint) bool {
	if m.IsEarlyMint != nil && *m.IsEarlyMint {
		return true
	}
	if m.MintedAt == nil || m.CollectionDeployedAt == nil || *m.MintedAt == 0 || *m.CollectionDeployedAt == 0 {
		return false
	}
	diff := *m.MintedAt - *m.CollectionDeployedAt
	return diff >= 0 && diff < EarlyMintWindow
}

// GetTier maps a total score onto the tier ladder
func GetTier(score int64) types.Tier {
	switch {
	case score >= BasedThreshold:
		return types.TierBased
	case score >= GoldThreshold:
		return types.TierGold
	case score >= SilverThreshold:
		return types.TierSilver
	case score >= BronzeThreshold:
		return types.TierBronze
	default:
		return types.TierNovice
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
