package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-agent/internal/agent"
	"github.com/score-agent/internal/chain"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/storage"
	"github.com/score-agent/internal/types"
)

const testNow int64 = 1700000000

func ptr[T any](v T) *T { return &v }

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

type fakeStatus struct{ status agent.Status }

func (f *fakeStatus) GetStatus() *agent.Status { return &f.status }

// downStore fails Ping and every read
type downStore struct{ *storage.MemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func (downStore) TierDistribution(context.Context) (map[types.Tier]int64, error) {
	return nil, errors.New("connection refused")
}

type testEnv struct {
	server  *Server
	store   *storage.MemoryStore
	cache   *storage.RedisCache
	journal *chain.Journal
	clock   *fakeclock.FakeClock
}

// seed stores one account with 100 days of tenure, two early mints and one regular mint
func seed(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	main := addr(1)
	require.NoError(t, store.UpsertAccount(ctx, models.Account{
		ID:               main,
		FirstTxTimestamp: ptr(testNow - 100*86400),
		TotalScore:       330,
		Tier:             types.TierBronze,
	}))
	require.NoError(t, store.AddMint(ctx, models.Mint{ID: "a-0", Minter: main, IsEarlyMint: ptr(true)}))
	require.NoError(t, store.AddMint(ctx, models.Mint{ID: "b-0", Minter: main, IsEarlyMint: ptr(true)}))
	require.NoError(t, store.AddMint(ctx, models.Mint{ID: "c-0", Minter: main, MintedAt: ptr(testNow - 10*86400)}))

	for i := 2; i <= 4; i++ {
		require.NoError(t, store.UpsertAccount(ctx, models.Account{
			ID:         addr(i),
			TotalScore: int64(i * 300),
			Tier:       scoring.GetTier(int64(i * 300)),
		}))
	}
}

func newTestEnv(t *testing.T, rps int) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := fakeclock.NewFakeClock(time.Unix(testNow, 0))
	journal, err := chain.OpenJournal("", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	store := storage.NewMemoryStore()
	seed(t, store)

	cfg := DefaultServerConfig("127.0.0.1", "0", rps)
	cache := storage.NewRedisCacheFromClient(client)
	server, err := NewServer(cfg, Deps{
		Store:     store,
		Snapshots: store,
		Cache:     cache,
		Batches:   journal,
		Agent:     &fakeStatus{status: agent.Status{Running: true, Cycles: 3}},
		Clock:     clk,
		Logger:    logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard),
	})
	require.NoError(t, err)

	return &testEnv{server: server, store: store, cache: cache, journal: journal, clock: clk}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Deps{Store: storage.NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewServer(DefaultServerConfig("", "8080", 10), Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHealth_StoreDown(t *testing.T) {
	server, err := NewServer(DefaultServerConfig("", "0", 0), Deps{
		Store:  downStore{storage.NewMemoryStore()},
		Logger: logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tiers", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestGetScore(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/api/scores/"+addr(1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ScoreResponse](t, rec)
	assert.False(t, resp.Cached)
	assert.Equal(t, addr(1), resp.Account.ID)
	assert.Equal(t, int64(100), resp.Breakdown.BaseScore)
	assert.Equal(t, int64(30), resp.Breakdown.ZoraScore)
	assert.Equal(t, int64(200), resp.Breakdown.TimelyScore)
	assert.Equal(t, int64(330), resp.Breakdown.TotalScore)
	assert.Equal(t, types.TierBronze, resp.Breakdown.Tier)
	assert.Equal(t, int64(100), resp.Breakdown.TenureDays)
	assert.Equal(t, int64(3), resp.Breakdown.MintQuantity)
	assert.Equal(t, int64(2), resp.Breakdown.EarlyMintQuantity)

	// second read is served from the cache
	rec = env.get(t, "/api/scores/"+addr(1))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[ScoreResponse](t, rec)
	assert.True(t, resp.Cached)
	assert.Equal(t, int64(330), resp.Breakdown.TotalScore)
}

func TestGetScore_UsesAgentCachedBreakdown(t *testing.T) {
	env := newTestEnv(t, 0)

	cached := scoring.Breakdown{TenureDays: 1}
	cached.TotalScore = 1234
	cached.Tier = types.TierBased
	require.NoError(t, env.cache.SetJSON(context.Background(), storage.BreakdownKey(addr(1)), cached, time.Minute))

	rec := env.get(t, "/api/scores/"+addr(1))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ScoreResponse](t, rec)
	assert.True(t, resp.Cached)
	assert.Equal(t, int64(1234), resp.Breakdown.TotalScore)
}

func TestGetScore_Errors(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"malformed address", "/api/scores/0x1234", http.StatusBadRequest, "INVALID_ADDRESS_FORMAT"},
		{"non-hex address", "/api/scores/0xzz" + fmt.Sprintf("%038d", 0), http.StatusBadRequest, "INVALID_ADDRESS_FORMAT"},
		{"unknown account", "/api/scores/" + addr(99), http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestGetScore_MixedCaseAddress(t *testing.T) {
	env := newTestEnv(t, 0)

	upper := "0x" + fmt.Sprintf("%040X", 0xabc)
	require.NoError(t, env.store.UpsertAccount(context.Background(), models.Account{ID: upper}))

	rec := env.get(t, "/api/scores/"+upper)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ScoreResponse](t, rec)
	assert.Equal(t, types.NormalizeAddress(upper), resp.Account.ID)
}

func TestTierDistribution(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/api/tiers")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TierDistributionResponse](t, rec)

	assert.Equal(t, int64(4), resp.Total)
	assert.Len(t, resp.Tiers, len(types.AllTiers))
	assert.Equal(t, int64(1), resp.Tiers[types.TierBronze])
	assert.Equal(t, int64(1), resp.Tiers[types.TierSilver])
	assert.Equal(t, int64(1), resp.Tiers[types.TierGold])
	assert.Equal(t, int64(1), resp.Tiers[types.TierBased])
	assert.Equal(t, int64(0), resp.Tiers[types.TierNovice])
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/api/leaderboard?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Accounts []models.Account `json:"accounts"`
		Limit    int              `json:"limit"`
	}](t, rec)

	require.Len(t, resp.Accounts, 2)
	assert.Equal(t, addr(4), resp.Accounts[0].ID)
	assert.Equal(t, addr(3), resp.Accounts[1].ID)
	assert.Equal(t, 2, resp.Limit)
}

func TestLeaderboard_Limits(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name   string
		query  string
		status int
		limit  int
	}{
		{"default", "", http.StatusOK, defaultListLimit},
		{"capped", "?limit=10000", http.StatusOK, maxListLimit},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"negative", "?limit=-5", http.StatusBadRequest, 0},
		{"non-numeric", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, "/api/leaderboard"+tt.query)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				resp := decode[map[string]interface{}](t, rec)
				assert.EqualValues(t, tt.limit, resp["limit"])
			}
		})
	}
}

func TestEarlyMinters(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/api/early-minters")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Minters []models.EarlyMinter `json:"minters"`
	}](t, rec)

	require.Len(t, resp.Minters, 1)
	assert.Equal(t, addr(1), resp.Minters[0].Minter)
	assert.Equal(t, int64(2), resp.Minters[0].EarlyMintCount)
	assert.Equal(t, int64(2), resp.Minters[0].TotalEarlyQuantity)
}

func TestSnapshots(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	require.NoError(t, env.store.RecordSnapshots(ctx, []models.ScoreSnapshot{
		{ID: storage.SnapshotID(addr(1), testNow-3600), AccountID: addr(1), Score: 300, Tier: types.TierBronze, Timestamp: testNow - 3600},
		{ID: storage.SnapshotID(addr(1), testNow), AccountID: addr(1), Score: 330, Tier: types.TierBronze, Timestamp: testNow},
	}))

	rec := env.get(t, "/api/accounts/"+addr(1)+"/snapshots")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Address   string                 `json:"address"`
		Snapshots []models.ScoreSnapshot `json:"snapshots"`
	}](t, rec)

	require.Len(t, resp.Snapshots, 2)
	assert.Equal(t, int64(330), resp.Snapshots[0].Score)

	rec = env.get(t, "/api/accounts/"+addr(2)+"/snapshots")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"snapshots":[]`)
}

func TestBatches(t *testing.T) {
	env := newTestEnv(t, 0)

	writer := chain.NewSimulatedWriter(env.journal, env.clock)
	_, err := writer.SubmitBatch(context.Background(), []models.ScoreUpdate{{Address: addr(1), Score: 330}})
	require.NoError(t, err)

	rec := env.get(t, "/api/batches")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Batches []models.BatchRecord `json:"batches"`
	}](t, rec)

	require.Len(t, resp.Batches, 1)
	assert.Equal(t, chain.SimulatedTxID, resp.Batches[0].TxID)
	assert.True(t, resp.Batches[0].Simulated)
	require.Len(t, resp.Batches[0].Updates, 1)
	assert.Equal(t, int64(330), resp.Batches[0].Updates[0].Score)
}

func TestAgentStatus(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.get(t, "/api/agent/status")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[agent.Status](t, rec)
	assert.True(t, status.Running)
	assert.Equal(t, int64(3), status.Cycles)
}

func TestOptionalDependencies_Unavailable(t *testing.T) {
	server, err := NewServer(DefaultServerConfig("", "0", 0), Deps{
		Store:  storage.NewMemoryStore(),
		Logger: logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard),
	})
	require.NoError(t, err)

	for _, path := range []string{"/api/agent/status", "/api/batches", "/api/accounts/" + addr(1) + "/snapshots"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 1)

	allowed := 0
	limited := 0
	for i := 0; i < env.server.config.Burst+5; i++ {
		rec := env.get(t, "/health")
		switch rec.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, env.server.config.Burst, allowed)
	assert.Equal(t, 5, limited)

	rec := env.get(t, "/health")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeRateLimited, body.Error.Code)

	// tokens refill with the clock
	env.clock.Increment(2 * time.Second)
	assert.Equal(t, http.StatusOK, env.get(t, "/health").Code)
}

func TestRateLimiter_PerClient(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(testNow, 0))
	rl := NewRateLimiter(1, 1, clk)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	unlimited := NewRateLimiter(0, 1, clk)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow("10.0.0.1"))
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/api/tiers", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestCompression(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/tiers", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total":4`)
}

func TestRequestID_Propagated(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
}
