package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

type accountRow struct {
	ID               string `gorm:"primaryKey;column:id"`
	BaseScore        int64  `gorm:"column:base_score;not null"`
	ZoraScore        int64  `gorm:"column:zora_score;not null"`
	TimelyScore      int64  `gorm:"column:timely_score;not null"`
	TotalScore       int64  `gorm:"column:total_score;not null;index"`
	Tier             string `gorm:"column:tier;not null"`
	FirstTxTimestamp *int64 `gorm:"column:first_tx_timestamp"`
	LastUpdated      int64  `gorm:"column:last_updated;not null;index"`
	BadgeMinted      bool   `gorm:"column:badge_minted;not null"`
}

func (accountRow) TableName() string { return "account" }

type mintRow struct {
	ID                   string `gorm:"primaryKey;column:id"`
	Minter               string `gorm:"column:minter;not null;index"`
	ContractAddress      string `gorm:"column:contract_address;not null"`
	TokenID              string `gorm:"column:token_id"`
	Quantity             *int64 `gorm:"column:quantity"`
	MintedAt             *int64 `gorm:"column:minted_at"`
	Network              string `gorm:"column:network"`
	IsEarlyMint          *bool  `gorm:"column:is_early_mint"`
	CollectionDeployedAt *int64 `gorm:"column:collection_deployed_at"`
}

func (mintRow) TableName() string { return "zora_mint" }

type linkedWalletRow struct {
	Address          string `gorm:"primaryKey;column:address"`
	MainAccountID    string `gorm:"column:main_account_id;not null;index"`
	LinkedAt         int64  `gorm:"column:linked_at;not null"`
	ZoraMintCount    int64  `gorm:"column:zora_mint_count;not null"`
	EarlyMintCount   int64  `gorm:"column:early_mint_count;not null"`
	FirstTxTimestamp *int64 `gorm:"column:first_tx_timestamp"`
}

func (linkedWalletRow) TableName() string { return "linked_wallet" }

type snapshotRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	AccountID string `gorm:"column:account_id;not null;index"`
	Score     int64  `gorm:"column:score;not null"`
	Tier      string `gorm:"column:tier;not null"`
	Timestamp int64  `gorm:"column:timestamp;not null"`
	TxID      string `gorm:"column:tx_id"`
}

func (snapshotRow) TableName() string { return "score_snapshot" }

// SQLiteStore is a single-file Store for local development
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	// SQLite serialises writers; one connection also keeps :memory: databases shared
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &mintRow{}, &linkedWalletRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func toAccount(r accountRow) models.Account {
	return models.Account{
		ID:               r.ID,
		BaseScore:        r.BaseScore,
		ZoraScore:        r.ZoraScore,
		TimelyScore:      r.TimelyScore,
		TotalScore:       r.TotalScore,
		Tier:             types.Tier(r.Tier),
		FirstTxTimestamp: r.FirstTxTimestamp,
		LastUpdated:      r.LastUpdated,
		BadgeMinted:      r.BadgeMinted,
	}
}

func toAccounts(rows []accountRow) []models.Account {
	out := make([]models.Account, len(rows))
	for i, r := range rows {
		out[i] = toAccount(r)
	}
	return out
}

// UpsertAccount inserts or replaces an account
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acc models.Account) error {
	if acc.ID == "" {
		return fmt.Errorf("%w: account without id", ErrInvalidInput)
	}
	row := accountRow{
		ID:               types.NormalizeAddress(acc.ID),
		BaseScore:        acc.BaseScore,
		ZoraScore:        acc.ZoraScore,
		TimelyScore:      acc.TimelyScore,
		TotalScore:       acc.TotalScore,
		Tier:             string(tierOrDefault(acc.Tier)),
		FirstTxTimestamp: acc.FirstTxTimestamp,
		LastUpdated:      acc.LastUpdated,
		BadgeMinted:      acc.BadgeMinted,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// AddMint records a mint, ignoring duplicate ids
func (s *SQLiteStore) AddMint(ctx context.Context, m models.Mint) error {
	if m.Minter == "" {
		return fmt.Errorf("%w: mint without minter", ErrInvalidInput)
	}
	row := mintRow{
		ID:                   m.ID,
		Minter:               types.NormalizeAddress(m.Minter),
		ContractAddress:      types.NormalizeAddress(m.ContractAddress),
		TokenID:              m.TokenID,
		Quantity:             m.Quantity,
		MintedAt:             m.MintedAt,
		Network:              m.Network,
		IsEarlyMint:          m.IsEarlyMint,
		CollectionDeployedAt: m.CollectionDeployedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to add mint: %w", err)
	}
	return nil
}

// AddLinkedWallet inserts or replaces a linked wallet
func (s *SQLiteStore) AddLinkedWallet(ctx context.Context, w models.LinkedWallet) error {
	if w.MainAccountID == "" || w.Address == "" {
		return fmt.Errorf("%w: linked wallet without address", ErrInvalidInput)
	}
	row := linkedWalletRow{
		Address:          types.NormalizeAddress(w.Address),
		MainAccountID:    types.NormalizeAddress(w.MainAccountID),
		LinkedAt:         w.LinkedAt,
		ZoraMintCount:    w.ZoraMintCount,
		EarlyMintCount:   w.EarlyMintCount,
		FirstTxTimestamp: w.FirstTxTimestamp,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to add linked wallet: %w", err)
	}
	return nil
}

// AccountsNeedingUpdate returns due accounts, oldest first
func (s *SQLiteStore) AccountsNeedingUpdate(ctx context.Context, cutoff int64, limit int) ([]models.Account, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where(`last_updated < ? OR EXISTS (
			SELECT 1 FROM zora_mint m
			WHERE m.minter = account.id AND m.minted_at > account.last_updated
		)`, cutoff).
		Order("last_updated ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts needing update: %w", err)
	}
	return toAccounts(rows), nil
}

// MintsFor returns the account's own mints, newest first
func (s *SQLiteStore) MintsFor(ctx context.Context, address string) ([]models.Mint, error) {
	var rows []mintRow
	err := s.db.WithContext(ctx).
		Where("minter = ?", types.NormalizeAddress(address)).
		Order("minted_at DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query mints: %w", err)
	}

	mints := make([]models.Mint, len(rows))
	for i, r := range rows {
		mints[i] = models.Mint{
			ID:                   r.ID,
			Minter:               r.Minter,
			ContractAddress:      r.ContractAddress,
			TokenID:              r.TokenID,
			Quantity:             r.Quantity,
			MintedAt:             r.MintedAt,
			Network:              r.Network,
			IsEarlyMint:          r.IsEarlyMint,
			CollectionDeployedAt: r.CollectionDeployedAt,
		}
	}
	return mints, nil
}

// LinkedWalletsFor returns wallets linked to a main account
func (s *SQLiteStore) LinkedWalletsFor(ctx context.Context, address string) ([]models.LinkedWallet, error) {
	var rows []linkedWalletRow
	err := s.db.WithContext(ctx).
		Where("main_account_id = ?", types.NormalizeAddress(address)).
		Order("address ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query linked wallets: %w", err)
	}

	wallets := make([]models.LinkedWallet, len(rows))
	for i, r := range rows {
		wallets[i] = models.LinkedWallet{
			Address:          r.Address,
			MainAccountID:    r.MainAccountID,
			LinkedAt:         r.LinkedAt,
			ZoraMintCount:    r.ZoraMintCount,
			EarlyMintCount:   r.EarlyMintCount,
			FirstTxTimestamp: r.FirstTxTimestamp,
		}
	}
	return wallets, nil
}

// AccountBy returns a single account
func (s *SQLiteStore) AccountBy(ctx context.Context, address string) (*models.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("id = ?", types.NormalizeAddress(address)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acc := toAccount(row)
	return &acc, nil
}

// MarkUpdated stamps one account's last_updated
func (s *SQLiteStore) MarkUpdated(ctx context.Context, address string, timestamp int64) error {
	res := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ?", types.NormalizeAddress(address)).
		Update("last_updated", timestamp)
	if res.Error != nil {
		return fmt.Errorf("failed to mark account updated: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	return nil
}

// MarkBatchUpdated stamps a confirmed batch inside one transaction
func (s *SQLiteStore) MarkBatchUpdated(ctx context.Context, updates []models.ScoreUpdate, timestamp int64) error {
	if len(updates) == 0 {
		return nil
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			fields := map[string]interface{}{
				"last_updated": timestamp,
				"total_score":  u.Score,
			}
			if c := u.Components; c != nil {
				fields["base_score"] = c.BaseScore
				fields["zora_score"] = c.ZoraScore
				fields["timely_score"] = c.TimelyScore
				fields["total_score"] = c.TotalScore
				fields["tier"] = string(c.Tier)
			}

			err := tx.Model(&accountRow{}).
				Where("id = ?", types.NormalizeAddress(u.Address)).
				Updates(fields).Error
			if err != nil {
				return fmt.Errorf("failed to mark %s updated: %w", u.Address, err)
			}
		}
		return nil
	})
}

// TierDistribution counts accounts per stored tier
func (s *SQLiteStore) TierDistribution(ctx context.Context) (map[types.Tier]int64, error) {
	var counts []struct {
		Tier  string
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Select("tier, COUNT(*) AS count").
		Group("tier").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query tier distribution: %w", err)
	}

	dist := make(map[types.Tier]int64, len(counts))
	for _, c := range counts {
		dist[types.Tier(c.Tier)] = c.Count
	}
	return dist, nil
}

// TopAccounts returns the highest-scoring accounts
func (s *SQLiteStore) TopAccounts(ctx context.Context, limit int) ([]models.Account, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Order("total_score DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query top accounts: %w", err)
	}
	return toAccounts(rows), nil
}

// EarlyMinters aggregates flagged early mints per minter
func (s *SQLiteStore) EarlyMinters(ctx context.Context) ([]models.EarlyMinter, error) {
	var out []models.EarlyMinter
	err := s.db.WithContext(ctx).Raw(`
		select minter,
		       count(*) as early_mint_count,
		       coalesce(sum(coalesce(quantity, 1)), 0) as total_early_quantity
		from zora_mint
		where is_early_mint = true
		group by minter
		order by count(*) desc, minter asc
	`).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query early minters: %w", err)
	}
	return out, nil
}

// RecordSnapshots appends score history rows, ignoring duplicate ids
func (s *SQLiteStore) RecordSnapshots(ctx context.Context, snapshots []models.ScoreSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	rows := make([]snapshotRow, len(snapshots))
	for i, snap := range snapshots {
		rows[i] = snapshotRow{
			ID:        snap.ID,
			AccountID: types.NormalizeAddress(snap.AccountID),
			Score:     snap.Score,
			Tier:      string(snap.Tier),
			Timestamp: snap.Timestamp,
			TxID:      snap.TxID,
		}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error
	if err != nil {
		return fmt.Errorf("failed to record snapshots: %w", err)
	}
	return nil
}

// SnapshotsFor returns an account's score history, newest first
func (s *SQLiteStore) SnapshotsFor(ctx context.Context, address string, limit int) ([]models.ScoreSnapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("account_id = ?", types.NormalizeAddress(address)).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	snaps := make([]models.ScoreSnapshot, len(rows))
	for i, r := range rows {
		snaps[i] = models.ScoreSnapshot{
			ID:        r.ID,
			AccountID: r.AccountID,
			Score:     r.Score,
			Tier:      types.Tier(r.Tier),
			Timestamp: r.Timestamp,
			TxID:      r.TxID,
		}
	}
	return snaps, nil
}

// Ping checks the database handle
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
