package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

// PostgresStore reads the indexer's tables and writes back update timestamps
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates a store over an open pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, base_score, zora_score, timely_score, total_score, tier, first_tx_timestamp, last_updated, badge_minted`

func scanAccount(row pgx.Row) (models.Account, error) {
	var acc models.Account
	var tier string
	err := row.Scan(
		&acc.ID,
		&acc.BaseScore,
		&acc.ZoraScore,
		&acc.TimelyScore,
		&acc.TotalScore,
		&tier,
		&acc.FirstTxTimestamp,
		&acc.LastUpdated,
		&acc.BadgeMinted,
	)
	acc.Tier = types.Tier(tier)
	return acc, err
}

func collectAccounts(rows pgx.Rows) ([]models.Account, error) {
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// AccountsNeedingUpdate returns due accounts, oldest first
func (s *PostgresStore) AccountsNeedingUpdate(ctx context.Context, cutoff int64, limit int) ([]models.Account, error) {
	query := `
		SELECT a.id, a.base_score, a.zora_score, a.timely_score, a.total_score, a.tier,
		       a.first_tx_timestamp, a.last_updated, a.badge_minted
		FROM account a
		WHERE a.last_updated < $1
		   OR EXISTS (
		       SELECT 1 FROM zora_mint m
		       WHERE m.minter = a.id
		         AND m.minted_at > a.last_updated
		   )
		ORDER BY a.last_updated ASC, a.id ASC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts needing update: %w", err)
	}
	return collectAccounts(rows)
}

// MintsFor returns the account's own mints. Deploy time falls back to the collection row.
func (s *PostgresStore) MintsFor(ctx context.Context, address string) ([]models.Mint, error) {
	query := `
		SELECT m.id, m.minter, m.contract_address, m.token_id::text, m.quantity, m.minted_at,
		       m.network, m.is_early_mint, COALESCE(m.collection_deployed_at, c.deployed_at)
		FROM zora_mint m
		LEFT JOIN collection c ON c.address = m.contract_address
		WHERE m.minter = $1
		ORDER BY m.minted_at DESC NULLS LAST, m.id
	`

	rows, err := s.db.Pool().Query(ctx, query, types.NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to query mints: %w", err)
	}
	defer rows.Close()

	var mints []models.Mint
	for rows.Next() {
		var m models.Mint
		if err := rows.Scan(
			&m.ID,
			&m.Minter,
			&m.ContractAddress,
			&m.TokenID,
			&m.Quantity,
			&m.MintedAt,
			&m.Network,
			&m.IsEarlyMint,
			&m.CollectionDeployedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan mint: %w", err)
		}
		mints = append(mints, m)
	}
	return mints, rows.Err()
}

// LinkedWalletsFor returns wallets linked to a main account
func (s *PostgresStore) LinkedWalletsFor(ctx context.Context, address string) ([]models.LinkedWallet, error) {
	query := `
		SELECT address, main_account_id, linked_at, zora_mint_count, early_mint_count, first_tx_timestamp
		FROM linked_wallet
		WHERE main_account_id = $1
		ORDER BY address
	`

	rows, err := s.db.Pool().Query(ctx, query, types.NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to query linked wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.LinkedWallet
	for rows.Next() {
		var w models.LinkedWallet
		if err := rows.Scan(
			&w.Address,
			&w.MainAccountID,
			&w.LinkedAt,
			&w.ZoraMintCount,
			&w.EarlyMintCount,
			&w.FirstTxTimestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan linked wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// AccountBy returns a single account
func (s *PostgresStore) AccountBy(ctx context.Context, address string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account WHERE id = $1`

	acc, err := scanAccount(s.db.Pool().QueryRow(ctx, query, types.NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acc, nil
}

// MarkUpdated stamps one account's last_updated
func (s *PostgresStore) MarkUpdated(ctx context.Context, address string, timestamp int64) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE account SET last_updated = $2 WHERE id = $1`,
		types.NormalizeAddress(address), timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account updated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	return nil
}

// MarkBatchUpdated stamps a confirmed batch inside one transaction
func (s *PostgresStore) MarkBatchUpdated(ctx context.Context, updates []models.ScoreUpdate, timestamp int64) error {
	if len(updates) == 0 {
		return nil
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	batch := &pgx.Batch{}
	for _, u := range updates {
		if c := u.Components; c != nil {
			batch.Queue(`
				UPDATE account
				SET last_updated = $2, base_score = $3, zora_score = $4, timely_score = $5,
				    total_score = $6, tier = $7
				WHERE id = $1
			`, types.NormalizeAddress(u.Address), timestamp, c.BaseScore, c.ZoraScore, c.TimelyScore, c.TotalScore, string(c.Tier))
		} else {
			batch.Queue(
				`UPDATE account SET last_updated = $2, total_score = $3 WHERE id = $1`,
				types.NormalizeAddress(u.Address), timestamp, u.Score,
			)
		}
	}

	results := tx.SendBatch(ctx, batch)
	for _, u := range updates {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to mark %s updated: %w", u.Address, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch update: %w", err)
	}
	return nil
}

// TierDistribution counts accounts per stored tier
func (s *PostgresStore) TierDistribution(ctx context.Context) (map[types.Tier]int64, error) {
	rows, err := s.db.Pool().Query(ctx, `SELECT tier, COUNT(*) FROM account GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[types.Tier]int64)
	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("failed to scan tier count: %w", err)
		}
		dist[types.Tier(tier)] = count
	}
	return dist, rows.Err()
}

// TopAccounts returns the highest-scoring accounts
func (s *PostgresStore) TopAccounts(ctx context.Context, limit int) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account ORDER BY total_score DESC, id ASC LIMIT $1`

	rows, err := s.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top accounts: %w", err)
	}
	return collectAccounts(rows)
}

// EarlyMinters aggregates flagged early mints per minter
func (s *PostgresStore) EarlyMinters(ctx context.Context) ([]models.EarlyMinter, error) {
	query := `
		SELECT m.minter, COUNT(*), COALESCE(SUM(COALESCE(m.quantity, 1)), 0)
		FROM zora_mint m
		WHERE m.is_early_mint = true
		GROUP BY m.minter
		ORDER BY COUNT(*) DESC, m.minter
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query early minters: %w", err)
	}
	defer rows.Close()

	var minters []models.EarlyMinter
	for rows.Next() {
		var em models.EarlyMinter
		if err := rows.Scan(&em.Minter, &em.EarlyMintCount, &em.TotalEarlyQuantity); err != nil {
			return nil, fmt.Errorf("failed to scan early minter: %w", err)
		}
		minters = append(minters, em)
	}
	return minters, rows.Err()
}

// RecordSnapshots appends score history rows, ignoring duplicates
func (s *PostgresStore) RecordSnapshots(ctx context.Context, snapshots []models.ScoreSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`
			INSERT INTO score_snapshot (id, account_id, score, tier, timestamp, tx_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, snap.ID, snap.AccountID, snap.Score, string(snap.Tier), snap.Timestamp, snap.TxID)
	}

	if err := s.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to record snapshots: %w", err)
	}
	return nil
}

// SnapshotsFor returns an account's score history, newest first
func (s *PostgresStore) SnapshotsFor(ctx context.Context, address string, limit int) ([]models.ScoreSnapshot, error) {
	query := `
		SELECT id, account_id, score, tier, timestamp, COALESCE(tx_id, '')
		FROM score_snapshot
		WHERE account_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, types.NormalizeAddress(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.ScoreSnapshot
	for rows.Next() {
		var snap models.ScoreSnapshot
		var tier string
		if err := rows.Scan(&snap.ID, &snap.AccountID, &snap.Score, &tier, &snap.Timestamp, &snap.TxID); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Tier = types.Tier(tier)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// UpsertAccount inserts or replaces an account row
func (s *PostgresStore) UpsertAccount(ctx context.Context, acc models.Account) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO account (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			base_score = EXCLUDED.base_score,
			zora_score = EXCLUDED.zora_score,
			timely_score = EXCLUDED.timely_score,
			total_score = EXCLUDED.total_score,
			tier = EXCLUDED.tier,
			first_tx_timestamp = EXCLUDED.first_tx_timestamp,
			last_updated = EXCLUDED.last_updated,
			badge_minted = EXCLUDED.badge_minted
	`,
		types.NormalizeAddress(acc.ID), acc.BaseScore, acc.ZoraScore, acc.TimelyScore, acc.TotalScore,
		string(tierOrDefault(acc.Tier)), acc.FirstTxTimestamp, acc.LastUpdated, acc.BadgeMinted,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// AddMint inserts a mint row
func (s *PostgresStore) AddMint(ctx context.Context, m models.Mint) error {
	tokenID := m.TokenID
	if tokenID == "" {
		tokenID = "0"
	}
	network := m.Network
	if network == "" {
		network = "base"
	}

	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO zora_mint (id, minter, contract_address, token_id, quantity, minted_at, network, is_early_mint, collection_deployed_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		m.ID, types.NormalizeAddress(m.Minter), types.NormalizeAddress(m.ContractAddress), tokenID,
		m.Quantity, m.MintedAt, network, m.IsEarlyMint, m.CollectionDeployedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add mint: %w", err)
	}
	return nil
}

// AddLinkedWallet inserts or replaces a linked wallet row
func (s *PostgresStore) AddLinkedWallet(ctx context.Context, w models.LinkedWallet) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO linked_wallet (address, main_account_id, linked_at, zora_mint_count, early_mint_count, first_tx_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			main_account_id = EXCLUDED.main_account_id,
			zora_mint_count = EXCLUDED.zora_mint_count,
			early_mint_count = EXCLUDED.early_mint_count,
			first_tx_timestamp = EXCLUDED.first_tx_timestamp
	`,
		types.NormalizeAddress(w.Address), types.NormalizeAddress(w.MainAccountID), w.LinkedAt,
		w.ZoraMintCount, w.EarlyMintCount, w.FirstTxTimestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to add linked wallet: %w", err)
	}
	return nil
}

// Ping checks if the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func tierOrDefault(t types.Tier) types.Tier {
	if t == "" {
		return types.TierNovice
	}
	return t
}
