package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tokens are kept in milli-tokens because redis truncates Lua numbers to integers in replies.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2]) * 1000
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + delta * rate)
end

local allowed = 0
if tokens >= 1000 then
  allowed = 1
  tokens = tokens - 1000
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), now}
`

var (
	ErrLimiterNotConfigured = errors.New("rate limiter not configured")
	ErrInvalidLimit         = errors.New("rate limiter rate and burst must be positive")
)

// Limit is a refill rate in tokens per second with a bucket of Burst tokens.
type Limit struct {
	Rate  float64
	Burst int
}

// PerMinute builds a Limit from an operator-facing per-minute rate.
func PerMinute(n float64, burst int) Limit {
	return Limit{Rate: n / 60, Burst: burst}
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// ttl keeps an idle bucket around for twice its full refill time.
func (l Limit) ttl() time.Duration {
	if !l.valid() {
		return time.Second
	}
	seconds := math.Ceil((float64(l.Burst) / l.Rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up for the Retry-After header.
func (r RateLimitResult) RetryAfterSeconds() int {
	if r.Allowed || r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
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

// Allow takes one token from key.
func (t *TokenBucket) Allow(ctx context.Context, key string, limit Limit) (RateLimitResult, error) {
	if t == nil || t.client == nil {
		return RateLimitResult{}, ErrLimiterNotConfigured
	}
	if key == "" {
		return RateLimitResult{}, errors.New("rate limiter key is empty")
	}
	if !limit.valid() {
		return RateLimitResult{}, ErrInvalidLimit
	}

	res, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate, // milli-tokens per millisecond equals tokens per second
		limit.Burst,
		limit.ttl().Milliseconds(),
	).Slice()
	if err != nil {
		return RateLimitResult{}, err
	}
	if len(res) < 3 {
		return RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	allowed := castToInt(res[0]) == 1
	milliTokens := castToInt(res[1])

	return RateLimitResult{
		Allowed:    allowed,
		Limit:      limit.Burst,
		Remaining:  int(milliTokens / 1000),
		RetryAfter: retryAfter(allowed, milliTokens, limit.Rate),
	}, nil
}

func retryAfter(allowed bool, milliTokens int64, rate float64) time.Duration {
	if allowed || rate <= 0 {
		return 0
	}
	missing := float64(1000 - milliTokens)
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing/rate)) * time.Millisecond
}

func castToInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		parsed, _ := strconv.ParseInt(val, 10, 64)
		return parsed
	default:
		return 0
	}
}
