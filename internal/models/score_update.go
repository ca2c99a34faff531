package models

import (
	"time"

	"github.com/score-agent/internal/types"
)

// ScoreUpdate is one entry of an update batch: an address and its new total score.
// Components travel with it so storage can persist the full computation after a confirmed write.
type ScoreUpdate struct {
	Address    string           `json:"address"`
	Score      int64            `json:"score"`
	Components *ScoreComponents `json:"components,omitempty"`
}

// ScoreSnapshot is one historical score point for an account
type ScoreSnapshot struct {
	ID        string     `json:"id" db:"id"` // address-timestamp
	AccountID string     `json:"accountId" db:"account_id"`
	Score     int64      `json:"score" db:"score"`
	Tier      types.Tier `json:"tier" db:"tier"`
	Timestamp int64      `json:"timestamp" db:"timestamp"`
	TxID      string     `json:"txId,omitempty" db:"tx_id"`
}

// BatchRecord is a journal entry for one submitted batch
type BatchRecord struct {
	TxID        string        `json:"txId"`
	Simulated   bool          `json:"simulated"`
	Updates     []ScoreUpdate `json:"updates"`
	SubmittedAt time.Time     `json:"submittedAt"`
}
