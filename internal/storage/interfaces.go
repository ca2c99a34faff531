package storage

import (
	"context"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

// AccountReader reads indexed account activity
type AccountReader interface {
	// AccountsNeedingUpdate returns accounts last updated before cutoff or with a mint
	// newer than their last update, oldest last_updated first, at most limit rows.
	AccountsNeedingUpdate(ctx context.Context, cutoff int64, limit int) ([]models.Account, error)
	// MintsFor returns the account's own mints, newest first
	MintsFor(ctx context.Context, address string) ([]models.Mint, error)
	// LinkedWalletsFor returns wallets linked to a main account
	LinkedWalletsFor(ctx context.Context, address string) ([]models.LinkedWallet, error)
	// AccountBy returns ErrNotFound when the account does not exist
	AccountBy(ctx context.Context, address string) (*models.Account, error)
}

// AccountWriter writes back the outcome of a confirmed batch
type AccountWriter interface {
	MarkUpdated(ctx context.Context, address string, timestamp int64) error
	// MarkBatchUpdated stamps every update in one transaction: all rows or none.
	// Components, when present, are persisted alongside the timestamp.
	MarkBatchUpdated(ctx context.Context, updates []models.ScoreUpdate, timestamp int64) error
}

// ReportReader serves aggregate views over accounts and mints
type ReportReader interface {
	TierDistribution(ctx context.Context) (map[types.Tier]int64, error)
	TopAccounts(ctx context.Context, limit int) ([]models.Account, error)
	EarlyMinters(ctx context.Context) ([]models.EarlyMinter, error)
}

// SnapshotWriter appends score history
type SnapshotWriter interface {
	RecordSnapshots(ctx context.Context, snapshots []models.ScoreSnapshot) error
}

// SnapshotReader reads score history, newest first
type SnapshotReader interface {
	SnapshotsFor(ctx context.Context, address string, limit int) ([]models.ScoreSnapshot, error)
}

// Store is the full indexed data store
type Store interface {
	AccountReader
	AccountWriter
	ReportReader
	SnapshotWriter
	SnapshotReader
	Ping(ctx context.Context) error
	Close() error
}

// Seeder loads indexer rows directly. Used by fixtures and tests; the indexer owns these rows in production.
type Seeder interface {
	UpsertAccount(ctx context.Context, account models.Account) error
	AddMint(ctx context.Context, mint models.Mint) error
	AddLinkedWallet(ctx context.Context, wallet models.LinkedWallet) error
}
