package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache implements a sliding-window rate limiter on a Redis
// sorted set. The window check and the insert run in one Lua script so
// concurrent callers cannot both slip under the limit.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(redisClient *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: redisClient}
}

const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_seconds = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current = redis.call('ZCARD', key)
if current < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window_seconds)
    return {1, current + 1}
end
return {0, current}
`

// Allow records one hit against the key and reports whether it stays
// within limit hits per window.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now().UnixMicro()
	windowStart := now - window.Microseconds()

	result, err := c.client.Eval(ctx, slidingWindowScript,
		[]string{rateLimitPrefix + key},
		now, windowStart, limit, int(window.Seconds())+1, uuid.NewString())
	if err != nil {
		util.Error("sliding window rate limit failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("sliding window rate limit failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	count, _ := values[1].(int64)

	return allowed == 1, int(count), nil
}
