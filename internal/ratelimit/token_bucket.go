package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes one token atomically using the Redis
// server clock, so replicas with skewed clocks share one bucket.
// Returns {allowed, tokens, now_ms}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), now}
`

var (
	ErrNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidLimit  = errors.New("rate_limit_invalid")
)

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

// Result is the outcome of taking one token.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Take removes one token from key's bucket refilled at rate tokens per
// second up to burst.
func (t *TokenBucket) Take(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, ErrNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return Result{}, ErrInvalidLimit
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 3 {
		return Result{}, errors.New("unexpected token bucket reply")
	}

	allowed := toInt64(res[0]) == 1
	tokens := toFloat64(res[1])
	now := time.UnixMilli(toInt64(res[2]))

	out := Result{
		Allowed:   allowed,
		Limit:     burst,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now,
	}
	if !allowed {
		out.RetryAfter = time.Duration((1 - tokens) / rate * float64(time.Second))
		out.ResetAt = now.Add(out.RetryAfter)
	}
	return out, nil
}

// bucketTTL keeps an idle bucket around for two full refills.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(max(seconds, 1)) * time.Second
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	case string:
		return int64(toFloat64(val))
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
