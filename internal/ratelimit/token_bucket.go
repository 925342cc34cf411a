// Package ratelimit throttles job submissions per tenant.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:submit:"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining tokens after this call.
	Remaining float64
	// RetryAfter is how long until a token is available when denied.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for tenant if available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	if tenant == "" {
		tenant = "anonymous"
	}
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + tenant},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "run token bucket script")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, errors.Newf("unexpected token bucket reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	// Redis truncates Lua numbers to integers; the script returns tokens as a string.
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		remaining, _ = strconv.ParseFloat(v, 64)
	}

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - remaining
		d.RetryAfter = time.Duration(missing / b.refill * float64(time.Second))
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
