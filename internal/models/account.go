package models

import "github.com/score-agent/internal/types"

// Account is a reputation profile keyed by its lowercase wallet address.
// TotalScore == BaseScore + ZoraScore + TimelyScore after every computation.
type Account struct {
	ID               string     `json:"id" db:"id"`
	BaseScore        int64      `json:"baseScore" db:"base_score"`
	ZoraScore        int64      `json:"zoraScore" db:"zora_score"`
	TimelyScore      int64      `json:"timelyScore" db:"timely_score"`
	TotalScore       int64      `json:"totalScore" db:"total_score"`
	Tier             types.Tier `json:"tier" db:"tier"`
	FirstTxTimestamp *int64     `json:"firstTxTimestamp,omitempty" db:"first_tx_timestamp"` // epoch seconds
	LastUpdated      int64      `json:"lastUpdated" db:"last_updated"`                      // epoch seconds
	BadgeMinted      bool       `json:"badgeMinted" db:"badge_minted"`
}

// ScoreComponents is the persisted shape of one score computation
type ScoreComponents struct {
	BaseScore   int64      `json:"baseScore"`
	ZoraScore   int64      `json:"zoraScore"`
	TimelyScore int64      `json:"timelyScore"`
	TotalScore  int64      `json:"totalScore"`
	Tier        types.Tier `json:"tier"`
}

// EarlyMinter aggregates flagged early mints per minter
type EarlyMinter struct {
	Minter             string `json:"minter" db:"minter"`
	EarlyMintCount     int64  `json:"earlyMintCount" db:"early_mint_count"`
	TotalEarlyQuantity int64  `json:"totalEarlyQuantity" db:"total_early_quantity"`
}
