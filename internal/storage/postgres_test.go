package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestPostgres starts a throwaway Postgres, applies the migrations and returns a pool
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("ponder"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping test - docker not available: %v", err)
		return nil
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pm, err := NewPostgresMigrator(dsn, filepath.Join(findProjectRoot(t), "migrations", "postgres"))
	require.NoError(t, err)
	defer pm.Close()

	version, _, err := pm.Version()
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, pm.Up())
	require.NoError(t, pm.Up(), "up-to-date schema")
	version, dirty, err := pm.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	db, err := NewPostgresDBFromURL(ctx, dsn, 5)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPostgresStore_Contract(t *testing.T) {
	db := setupTestPostgres(t)
	runStoreContract(t, NewPostgresStore(db))
}

func TestPostgresStore_CollectionDeployFallback(t *testing.T) {
	db := setupTestPostgres(t)
	s := NewPostgresStore(db)
	ctx := testContext(t)

	_, err := db.Pool().Exec(ctx,
		`INSERT INTO collection (address, network, deployed_at) VALUES ($1, 'base', $2)`,
		collection1, contractNow-1000)
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx,
		`INSERT INTO zora_mint (id, minter, contract_address, token_id, quantity, minted_at) VALUES ('0xtx9-0', $1, $2, 7, 1, $3)`,
		addrFresh, collection1, contractNow-500)
	require.NoError(t, err)

	mints, err := s.MintsFor(ctx, addrFresh)
	require.NoError(t, err)
	require.Len(t, mints, 1)
	require.NotNil(t, mints[0].CollectionDeployedAt)
	require.Equal(t, contractNow-1000, *mints[0].CollectionDeployedAt)
	require.Equal(t, "7", mints[0].TokenID)
	require.Nil(t, mints[0].IsEarlyMint)
}
