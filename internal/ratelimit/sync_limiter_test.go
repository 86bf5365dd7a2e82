package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyncLimiterWithoutRedisAllows(t *testing.T) {
	limiter := NewSyncLimiter(Params{
		Config: config.Config{Sync: config.SyncLimitConfig{RatePerMinute: 6, Burst: 1}},
		Log:    zap.NewNop(),
	})
	assert.False(t, limiter.Enabled())

	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(context.Background(), "u")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	var nilLimiter *SyncLimiter
	res, err := nilLimiter.Allow(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Take(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	bucket = NewTokenBucket(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	_, err = bucket.Take(context.Background(), "", 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = bucket.Take(context.Background(), "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, 60*time.Second, bucketTTL(0.1, 3))
}

func TestReplyConversions(t *testing.T) {
	assert.Equal(t, 2.5, toFloat64("2.5"))
	assert.Equal(t, float64(3), toFloat64(int64(3)))
	assert.Zero(t, toFloat64("x"))
	assert.Equal(t, int64(1), toInt64(int64(1)))
	assert.Equal(t, int64(4), toInt64("4"))
}

func TestSyncLimiterWithRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewSyncLimiter(Params{
		Config: config.Config{Sync: config.SyncLimitConfig{RatePerMinute: 1, Burst: 2}},
		Redis:  client,
		Log:    zap.NewNop(),
	})
	require.True(t, limiter.Enabled())

	user := uuid.NewString()
	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(context.Background(), user)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := limiter.Allow(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}
