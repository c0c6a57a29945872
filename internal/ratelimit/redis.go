package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLog trims the key's sorted set to the window, then adds the new
// member only if fewer than limit members remain. Scores are unix millis.
// Returns {allowed, count, retry_after_ms}.
var slidingLog = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, count, retry}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// Redis is a sliding-window log limiter shared by every process pointed
// at the same Redis.
type Redis struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
	now    func() time.Time
}

// RedisOptions configures the Redis limiter.
type RedisOptions struct {
	Window    time.Duration
	KeyPrefix string
	Now       func() time.Time
}

// NewRedis returns a limiter backed by client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	r := &Redis{
		client: client,
		window: opts.Window,
		prefix: opts.KeyPrefix,
		now:    opts.Now,
	}
	if r.window <= 0 {
		r.window = DefaultWindow
	}
	if r.prefix == "" {
		r.prefix = "enact:ratelimit:"
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Acquire takes one slot for key if the key is under limit.
func (r *Redis) Acquire(ctx context.Context, key string, limit int) (Reservation, error) {
	res := Reservation{Limit: limit}
	if limit <= 0 {
		res.RetryAfter = r.window
		return res, nil
	}

	member := uuid.NewString()
	now := r.now()
	out, err := slidingLog.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), r.window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(out) != 3 {
		return Reservation{}, fmt.Errorf("rate limit script: unexpected reply %v", out)
	}

	if out[0] == 0 {
		res.RetryAfter = time.Duration(out[2]) * time.Millisecond
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - int(out[1])
	res.member = member
	res.at = now
	return res, nil
}

// Cancel removes a granted slot from the window.
func (r *Redis) Cancel(ctx context.Context, key string, res Reservation) error {
	if !res.Allowed || res.member == "" {
		return nil
	}
	if err := r.client.ZRem(ctx, r.prefix+key, res.member).Err(); err != nil {
		return fmt.Errorf("cancel rate limit slot: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
