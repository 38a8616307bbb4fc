package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rastro/internal/config"
	"go.uber.org/zap"
)

const keyResetLocation = "rastro:reset:location:%d"

// ResetLimiter throttles operator resets per location. Resets discard the
// reconciliation window, so a runaway script hitting the endpoint is costly.
type ResetLimiter struct {
	bucket *TokenBucket
	limit  Limit
	log    *zap.Logger
}

// NewResetLimiter returns nil when limiting is disabled or redis is not configured.
func NewResetLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *ResetLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil
	}
	if client == nil {
		log.Warn("ratelimit.reset.disabled", zap.String("reason", "redis not configured"))
		return nil
	}
	limit := PerMinute(limitCfg.ResetPerMinute, limitCfg.ResetBurst)
	if !limit.valid() {
		log.Warn("ratelimit.reset.disabled", zap.String("reason", "rate and burst must be positive"))
		return nil
	}
	return &ResetLimiter{
		bucket: NewTokenBucket(client),
		limit:  limit,
		log:    log.Named("ratelimit.reset"),
	}
}

func (l *ResetLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowReset fails open: a redis outage must not block operators.
func (l *ResetLimiter) AllowReset(ctx context.Context, locationID int64) RateLimitResult {
	if !l.Enabled() {
		return RateLimitResult{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyResetLocation, locationID), l.limit)
	if err != nil {
		l.log.Warn("ratelimit.reset.check_failed", zap.Int64("location_id", locationID), zap.Error(err))
		return RateLimitResult{Allowed: true}
	}
	if !res.Allowed {
		l.log.Info("ratelimit.reset.denied",
			zap.Int64("location_id", locationID),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res
}
