package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/score-agent/internal/config"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

// ClickHouseSnapshotStore keeps score history in ClickHouse when enabled.
// Rows land in a ReplacingMergeTree keyed by snapshot id, so a re-recorded batch deduplicates.
type ClickHouseSnapshotStore struct {
	conn driver.Conn
}

// OpenClickHouseSnapshots connects and pings. Snapshot writes are small and infrequent,
// so the pool stays tiny.
func OpenClickHouseSnapshots(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseSnapshotStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return NewClickHouseSnapshotStore(conn), nil
}

// NewClickHouseSnapshotStore creates a snapshot store over an open connection
func NewClickHouseSnapshotStore(conn driver.Conn) *ClickHouseSnapshotStore {
	return &ClickHouseSnapshotStore{conn: conn}
}

// Conn returns the underlying connection, for migrations
func (s *ClickHouseSnapshotStore) Conn() driver.Conn {
	return s.conn
}

func (s *ClickHouseSnapshotStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSnapshotStore) Close() error {
	return s.conn.Close()
}

// RecordSnapshots appends rows in a single insert batch
func (s *ClickHouseSnapshotStore) RecordSnapshots(ctx context.Context, snapshots []models.ScoreSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx,
		"INSERT INTO score_snapshots (id, account_id, score, tier, timestamp, tx_id)")
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot batch: %w", err)
	}

	for _, snap := range snapshots {
		if err := batch.Append(
			snap.ID,
			types.NormalizeAddress(snap.AccountID),
			snap.Score,
			string(snap.Tier),
			snap.Timestamp,
			snap.TxID,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send snapshot batch: %w", err)
	}
	return nil
}

// SnapshotsFor returns an account's score history, newest first
func (s *ClickHouseSnapshotStore) SnapshotsFor(ctx context.Context, address string, limit int) ([]models.ScoreSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, account_id, score, tier, timestamp, tx_id
		FROM score_snapshots FINAL
		WHERE account_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, types.NormalizeAddress(address), limit)
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
