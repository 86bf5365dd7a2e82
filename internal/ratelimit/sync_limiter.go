package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/speechgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keySyncUser = "speechgate:sync:user:%s"

type Params struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// SyncLimiter throttles user-triggered plan syncs. Without Redis every
// request is allowed.
type SyncLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewSyncLimiter(p Params) *SyncLimiter {
	limiter := &SyncLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   p.Config.Sync.RatePerMinute / 60,
		burst:  p.Config.Sync.Burst,
		log:    p.Log.Named("ratelimit.sync"),
	}
	if !limiter.Enabled() {
		limiter.log.Info("sync rate limiting disabled")
	}
	return limiter
}

func (l *SyncLimiter) Enabled() bool {
	return l != nil && l.bucket != nil && l.rate > 0 && l.burst > 0
}

// Allow takes a token for userID. A Redis failure lets the request through
// and is returned so the caller can record it.
func (l *SyncLimiter) Allow(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keySyncUser, strings.TrimSpace(userID))
	res, err := l.bucket.Take(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("sync rate limit check failed", zap.String("user_id", userID), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}, err
	}
	return res, nil
}
