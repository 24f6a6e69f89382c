// Package rate applies a Redis-backed token bucket per caller IP on the
// submission endpoint. Advisory admission control; the queue high-water mark
// is enforced separately.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-gateway/internal/db"
)

type Limiter struct {
	redis  *db.RedisDB
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.RedisDB, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{redis: redis, logger: logger, rps: rps, burst: burst}
}

// Allow checks whether the caller is within its budget. Returns the
// suggested Retry-After when rejected.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, time.Duration, error) {
	key := fmt.Sprintf("rate_limit:%s", caller)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentTokensStr, err := l.redis.Get(ctx, key).Result()
	currentTokens := l.burst
	lastRefill := windowStart
	if err == nil {
		var lastRefillUnix int64
		fmt.Sscanf(currentTokensStr, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	} else if err != redis.Nil {
		return false, 0, err
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps

	currentTokens = min(currentTokens+tokensToAdd, l.burst)
	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--
	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// Reset clears the budget for one caller.
func (l *Limiter) Reset(ctx context.Context, caller string) error {
	return l.redis.Del(ctx, fmt.Sprintf("rate_limit:%s", caller)).Err()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
