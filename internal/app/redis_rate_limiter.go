package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter: INCR the window key, arm its expiry on first hit,
// and report the remaining window so callers can set Retry-After.
var earnRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed fixed-window rate limiting using
// Redis. It satisfies the RateLimiter interface the service consumes.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "ecoquest:credits:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmed}
}

// Consume counts one hit against the subject's window and returns the running
// count plus how long until the window resets. A zero limit or window
// disables the limiter.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := earnRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected rate limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
