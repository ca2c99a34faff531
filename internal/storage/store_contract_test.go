package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/types"
)

const contractNow int64 = 1700000000

type seededStore interface {
	Store
	Seeder
}

const (
	addrStale   = "0x000000000000000000000000000000000000000a"
	addrFresh   = "0x000000000000000000000000000000000000000b"
	addrMinted  = "0x000000000000000000000000000000000000000c"
	addrNever   = "0x000000000000000000000000000000000000000d"
	addrLinked  = "0x00000000000000000000000000000000000000e1"
	addrMissing = "0x00000000000000000000000000000000000000ff"
	collection1 = "0x1111111111111111111111111111111111111111"
)

func seedContractData(t *testing.T, ctx context.Context, s seededStore) {
	t.Helper()

	accounts := []models.Account{
		{ID: addrStale, TotalScore: 1200, Tier: types.TierBased, LastUpdated: contractNow - 7200, FirstTxTimestamp: ptr(contractNow - 400*86400)},
		{ID: addrFresh, TotalScore: 50, Tier: types.TierNovice, LastUpdated: contractNow - 1800},
		{ID: addrMinted, TotalScore: 600, Tier: types.TierSilver, LastUpdated: contractNow - 1800},
		{ID: addrNever, LastUpdated: 0},
	}
	for _, acc := range accounts {
		require.NoError(t, s.UpsertAccount(ctx, acc))
	}

	mints := []models.Mint{
		{ID: "0xtx1-0", Minter: addrMinted, ContractAddress: collection1, TokenID: "1", Quantity: ptr(int64(2)), MintedAt: ptr(contractNow - 60), IsEarlyMint: ptr(true)},
		{ID: "0xtx2-0", Minter: addrMinted, ContractAddress: collection1, TokenID: "2", Quantity: ptr(int64(1)), MintedAt: ptr(contractNow - 90000), IsEarlyMint: ptr(false)},
		{ID: "0xtx3-1", Minter: addrStale, ContractAddress: collection1, TokenID: "1", Quantity: ptr(int64(1)), MintedAt: ptr(contractNow - 99999), IsEarlyMint: ptr(true)},
	}
	for _, m := range mints {
		require.NoError(t, s.AddMint(ctx, m))
	}

	require.NoError(t, s.AddLinkedWallet(ctx, models.LinkedWallet{
		Address:          addrLinked,
		MainAccountID:    addrStale,
		LinkedAt:         contractNow - 86400,
		ZoraMintCount:    4,
		EarlyMintCount:   1,
		FirstTxTimestamp: ptr(contractNow - 10*86400),
	}))
}

func ids(accounts []models.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}

// runStoreContract exercises the behaviour every Store backend must share
func runStoreContract(t *testing.T, s seededStore) {
	ctx := testContext(t)
	seedContractData(t, ctx, s)
	cutoff := contractNow - 3600

	t.Run("accounts needing update", func(t *testing.T) {
		due, err := s.AccountsNeedingUpdate(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{addrNever, addrStale, addrMinted}, ids(due))

		due, err = s.AccountsNeedingUpdate(ctx, cutoff, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{addrNever, addrStale}, ids(due))
	})

	t.Run("mints and linked wallets", func(t *testing.T) {
		mints, err := s.MintsFor(ctx, "0x000000000000000000000000000000000000000C")
		require.NoError(t, err)
		require.Len(t, mints, 2)
		assert.Equal(t, "0xtx1-0", mints[0].ID, "newest first")
		assert.Equal(t, int64(2), mints[0].EffectiveQuantity())

		wallets, err := s.LinkedWalletsFor(ctx, addrStale)
		require.NoError(t, err)
		require.Len(t, wallets, 1)
		assert.Equal(t, int64(4), wallets[0].ZoraMintCount)
		assert.Equal(t, int64(1), wallets[0].EarlyMintCount)

		none, err := s.LinkedWalletsFor(ctx, addrFresh)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("account by", func(t *testing.T) {
		acc, err := s.AccountBy(ctx, addrStale)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), acc.TotalScore)
		require.NotNil(t, acc.FirstTxTimestamp)

		_, err = s.AccountBy(ctx, addrMissing)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reports", func(t *testing.T) {
		dist, err := s.TierDistribution(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), dist[types.TierNovice])
		assert.Equal(t, int64(1), dist[types.TierBased])

		top, err := s.TopAccounts(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{addrStale, addrMinted}, ids(top))

		early, err := s.EarlyMinters(ctx)
		require.NoError(t, err)
		require.Len(t, early, 2)
		byMinter := map[string]models.EarlyMinter{}
		for _, em := range early {
			byMinter[em.Minter] = em
		}
		assert.Equal(t, int64(1), byMinter[addrMinted].EarlyMintCount)
		assert.Equal(t, int64(2), byMinter[addrMinted].TotalEarlyQuantity)
	})

	t.Run("mark batch updated", func(t *testing.T) {
		updates := []models.ScoreUpdate{
			{
				Address: addrStale,
				Score:   1550,
				Components: &models.ScoreComponents{
					BaseScore: 410, ZoraScore: 40, TimelyScore: 1100, TotalScore: 1550, Tier: types.TierBased,
				},
			},
			{Address: addrMinted, Score: 830},
		}
		require.NoError(t, s.MarkBatchUpdated(ctx, updates, contractNow))

		acc, err := s.AccountBy(ctx, addrStale)
		require.NoError(t, err)
		assert.Equal(t, contractNow, acc.LastUpdated)
		assert.Equal(t, int64(410), acc.BaseScore)
		assert.Equal(t, int64(1550), acc.TotalScore)

		acc, err = s.AccountBy(ctx, addrMinted)
		require.NoError(t, err)
		assert.Equal(t, int64(830), acc.TotalScore)

		due, err := s.AccountsNeedingUpdate(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{addrNever}, ids(due))
	})

	t.Run("mark batch rejects invalid input", func(t *testing.T) {
		err := s.MarkBatchUpdated(ctx, []models.ScoreUpdate{{Address: addrNever, Score: 10}, {Address: "", Score: 5}}, contractNow+1)
		assert.ErrorIs(t, err, ErrInvalidInput)

		acc, err := s.AccountBy(ctx, addrNever)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.LastUpdated, "no partial writes")
	})

	t.Run("mark updated", func(t *testing.T) {
		require.NoError(t, s.MarkUpdated(ctx, addrNever, contractNow))
		acc, err := s.AccountBy(ctx, addrNever)
		require.NoError(t, err)
		assert.Equal(t, contractNow, acc.LastUpdated)

		assert.ErrorIs(t, s.MarkUpdated(ctx, addrMissing, contractNow), ErrNotFound)
	})

	t.Run("snapshots", func(t *testing.T) {
		snaps := []models.ScoreSnapshot{
			{ID: SnapshotID(addrStale, contractNow-100), AccountID: addrStale, Score: 1200, Tier: types.TierBased, Timestamp: contractNow - 100},
			{ID: SnapshotID(addrStale, contractNow), AccountID: addrStale, Score: 1550, Tier: types.TierBased, Timestamp: contractNow, TxID: "0xabc"},
		}
		require.NoError(t, s.RecordSnapshots(ctx, snaps))
		require.NoError(t, s.RecordSnapshots(ctx, snaps[1:]))

		got, err := s.SnapshotsFor(ctx, addrStale, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(1550), got[0].Score)
		assert.Equal(t, "0xabc", got[0].TxID)

		got, err = s.SnapshotsFor(ctx, addrStale, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	require.NoError(t, s.Ping(ctx))
}
