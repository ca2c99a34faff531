package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/score-agent/internal/errors"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func TestRedisCache_CycleLock(t *testing.T) {
	cache, mr := newTestRedis(t)
	ctx := testContext(t)

	ok, err := cache.AcquireCycleLock(ctx, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.AcquireCycleLock(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not take a held lock")

	// A non-owner release leaves the lock in place
	require.NoError(t, cache.ReleaseCycleLock(ctx, "replica-b"))
	assert.True(t, mr.Exists(cycleLockKey))

	require.NoError(t, cache.ReleaseCycleLock(ctx, "replica-a"))
	assert.False(t, mr.Exists(cycleLockKey))

	ok, err = cache.AcquireCycleLock(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache_CycleLockExpires(t *testing.T) {
	cache, mr := newTestRedis(t)
	ctx := testContext(t)

	ok, err := cache.AcquireCycleLock(ctx, "replica-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = cache.AcquireCycleLock(ctx, "replica-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache_JSON(t *testing.T) {
	cache, mr := newTestRedis(t)
	ctx := testContext(t)

	type payload struct {
		Total int64  `json:"total"`
		Tier  string `json:"tier"`
	}

	var got payload
	hit, err := cache.GetJSON(ctx, BreakdownKey("0xabc"), &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.SetJSON(ctx, BreakdownKey("0xabc"), payload{Total: 330, Tier: "Bronze"}, time.Minute))

	hit, err = cache.GetJSON(ctx, BreakdownKey("0xabc"), &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Total: 330, Tier: "Bronze"}, got)

	mr.FastForward(2 * time.Minute)
	hit, err = cache.GetJSON(ctx, BreakdownKey("0xabc"), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisCache_Ping(t *testing.T) {
	cache, _ := newTestRedis(t)
	require.NoError(t, cache.Ping(testContext(t)))
}

func TestRedisCache_ErrorsAreCacheCategory(t *testing.T) {
	cache, mr := newTestRedis(t)
	ctx := testContext(t)
	mr.Close()

	_, err := cache.AcquireCycleLock(ctx, "replica-a", time.Minute)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCache))
	assert.True(t, apperrors.IsRetryable(err))

	var dest map[string]interface{}
	_, err = cache.GetJSON(ctx, BreakdownKey("0xabc"), &dest)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCache))
}
