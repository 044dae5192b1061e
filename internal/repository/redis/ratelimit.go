package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisx "github.com/kirinyoku/fieldbook/internal/redis"
)

// Hits live in a sorted set scored by their timestamp. A denied hit is not
// recorded, so a caller hammering the endpoint does not extend its own ban.
//
// KEYS[1] = key
// ARGV[1] = now_ms
// ARGV[2] = window_ms
// ARGV[3] = limit
// ARGV[4] = hit id
const luaAdmit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local used = redis.call('ZCARD', key)

if used >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local wait = window
  if oldest[2] then
    wait = tonumber(oldest[2]) + window - now
  end
  if wait < 0 then wait = 0 end
  return {0, used, wait}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, used + 1, 0}
`

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Used       int64
	RetryAfter time.Duration
}

// SlidingWindowLimiter admits at most limit requests per caller within any
// window-long interval.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	admit  *redis.Script
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	scope string,
	limit int,
	window time.Duration,
	now func() time.Time,
) *SlidingWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{
		rdb:    rdb,
		admit:  redis.NewScript(luaAdmit),
		scope:  scope,
		limit:  limit,
		window: window,
		now:    now,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, callerID string) (Decision, error) {
	const op = "redis.SlidingWindowLimiter.Allow"

	vals, err := l.admit.Run(
		ctx,
		l.rdb,
		[]string{redisx.KeyRateLimit(l.scope, callerID)},
		l.now().UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%s:%w", op, err)
	}

	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("%s: unexpected script reply %v", op, vals)
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Used:       vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
