package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter throttles workflow submissions using Redis + Lua. Counters are
// fixed windows so the check is a single atomic script call.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a limiter with the embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobal checks the service-wide submission limit
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "rate_limit:global", limit, 60)
}

// CheckSubmitter checks the per-submitter limit. The submitter is the
// authenticated user ID when present, the client address otherwise.
func (l *Limiter) CheckSubmitter(ctx context.Context, submitter string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:submitter:%s", submitter)
	return l.check(ctx, key, limit, windowSec)
}

// CheckTiered checks the per-submitter limit for a workflow tier. Tiers get
// separate counters so short workflows are not starved by long ones.
func (l *Limiter) CheckTiered(ctx context.Context, submitter string, tier Tier) (*Result, error) {
	key := fmt.Sprintf("rate_limit:submitter:%s:tier:%s", submitter, tier)
	return l.check(ctx, key, LimitForTier(tier), WindowForTier(tier))
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, current_count, limit, retry_after}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	result := &Result{
		Allowed:           values[0].(int64) == 1,
		CurrentCount:      values[1].(int64),
		Limit:             values[2].(int64),
		RetryAfterSeconds: values[3].(int64),
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit,
			"retry_after", result.RetryAfterSeconds)
	}
	return result, nil
}

// CurrentCount returns a counter without incrementing it (for monitoring)
func (l *Limiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Reset clears a counter (for testing/admin)
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
