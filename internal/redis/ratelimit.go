package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum sends allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims, counts and conditionally records in one round trip,
// so concurrent senders cannot both take the last slot. Scores are passed
// as strings to avoid Lua float formatting.
//
//	KEYS[1] window key
//	ARGV    now(us) window_start(us) limit n nonce ttl(ms)
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count + n > limit then
	local remaining = limit - count
	if remaining < 0 then remaining = 0 end
	return {0, remaining}
end

for i = 1, n do
	redis.call('ZADD', key, ARGV[1], ARGV[1] .. '-' .. ARGV[5] .. '-' .. i)
end
redis.call('PEXPIRE', key, ARGV[6])
return {1, limit - count - n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = 10
	}
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a send is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowRecipient applies the limit to one address on one channel.
func (r *RateLimiter) AllowRecipient(ctx context.Context, channel, address string) (*RateLimitResult, error) {
	return r.Allow(ctx, fmt.Sprintf("recipient:%s:%s", channel, address))
}

// AllowN checks if n sends are allowed under the rate limit and records
// them when they are.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	resetAt := now.Add(r.config.Window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixMicro(),
		now.Add(-r.config.Window).UnixMicro(),
		r.config.Limit,
		n,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis rate limit script: unexpected reply %v", res)
	}

	result := &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
