package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims timestamps older than the window, admits the
// request when the remaining cardinality is under the limit, and returns
// {allowed, count, oldest}. Runs as one server-side transaction so
// concurrent checks from different nodes cannot double-admit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, window)
    allowed = 1
    count = count + 1
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
    oldestScore = tonumber(oldest[2])
end

return {allowed, count, oldestScore}
`)

// RedisLimiter is the shared sliding-window backend. A transport failure
// fails open: an unreachable coordination store must not take the proxy down
// with it.
type RedisLimiter struct {
	client redis.UniversalClient
	log    *slog.Logger
	now    func() time.Time
}

// NewRedisLimiter wraps an already-connected client.
func NewRedisLimiter(client redis.UniversalClient, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{client: client, log: log, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Result, error) {
	now := l.now()
	windowMs := int64(Window * 1000)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), limit)

	raw, err := slidingWindowScript.Run(ctx, l.client,
		[]string{key},
		now.UnixMilli(), windowMs, limit, member,
	).Slice()
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "rate limiter unavailable, failing open",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(Window * time.Second)}, nil
	}
	if len(raw) != 3 {
		return Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(Window * time.Second)}, nil
	}

	allowed, _ := raw[0].(int64)
	count, _ := raw[1].(int64)
	oldest, _ := raw[2].(int64)

	res := Result{
		Allowed: allowed == 1,
		Limit:   limit,
		Reset:   time.UnixMilli(oldest + windowMs),
	}
	if rem := limit - int(count); rem > 0 {
		res.Remaining = rem
	}
	return res, nil
}
