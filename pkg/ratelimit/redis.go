package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding-window log kept in a sorted set scored by unix millis. The whole
// read-modify-write runs inside one script so concurrent requests for the
// same key cannot lose updates.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
redis.call("ZADD", KEYS[1], now, ARGV[3])
redis.call("PEXPIRE", KEYS[1], window)
local count = redis.call("ZCARD", KEYS[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {count, oldest[2]}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	now := l.clock()
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, nowMs, l.Window.Milliseconds(), uuid.NewString()).Result()
	if err != nil {
		return l.fallback(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return l.fallback(key, limit)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return l.fallback(key, limit)
	}
	oldestMs := nowMs
	if len(vals) > 1 {
		if raw, ok := vals[1].(string); ok {
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				oldestMs = int64(f)
			}
		}
	}
	return decide(int(count), limit, time.UnixMilli(oldestMs).UTC().Add(l.Window))
}

func (l *RedisLimiter) fallback(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: l.clock().Add(l.Window)}
}

func (l *RedisLimiter) clock() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}
