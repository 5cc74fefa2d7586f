// Package ratelimit throttles selection attempts per user with a sliding
// window kept in redis, so every API instance shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "taskhub:ratelimit:"

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter decides whether one more attempt fits the window
type Limiter interface {
	Allow(ctx context.Context, scope, subject string) (*Result, error)
}

// RedisLimiter implements sliding window rate limiting using a redis sorted
// set per subject. Score and member are the attempt time in nanoseconds.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisLimiter creates a limiter allowing limit attempts per window
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger zerolog.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

func key(scope, subject string) string {
	return keyPrefix + scope + ":" + subject
}

// Allow records an attempt if it fits the window. Redis failures fail open.
func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string) (*Result, error) {
	now := r.now()
	windowStart := now.Add(-r.window)
	k := key(scope, subject)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, k)
	oldestCmd := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error().Err(err).Str("subject", subject).Msg("Failed to check rate limit")
		return &Result{Allowed: true, Remaining: int64(r.limit), Limit: r.limit}, nil
	}

	count := countCmd.Val()
	result := &Result{Limit: r.limit, ResetAt: now.Add(r.window)}

	if count >= int64(r.limit) {
		result.RetryAfter = r.window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			result.RetryAfter = time.Unix(0, int64(oldest[0].Score)).Add(r.window).Sub(now)
			if result.RetryAfter < time.Second {
				result.RetryAfter = time.Second
			}
		}
		return result, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, k, 2*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to record rate limit entry")
	}

	result.Allowed = true
	result.Remaining = int64(r.limit) - count - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the window of a subject
func (r *RedisLimiter) Reset(ctx context.Context, scope, subject string) error {
	if err := r.client.Del(ctx, key(scope, subject)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
