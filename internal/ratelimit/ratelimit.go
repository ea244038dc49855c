// Package ratelimit throttles enqueue traffic per logical queue with a
// distributed token bucket in Redis, so every API replica draws from
// the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"queue-abstraction/internal/jobs"
)

// EnqueueLimiter grants enqueue slots from a token bucket keyed by
// queue name.
type EnqueueLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewEnqueueLimiter builds a limiter allowing bursts of capacity and a
// sustained refillPerSecond rate per queue.
func NewEnqueueLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *EnqueueLimiter {
	return &EnqueueLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

func (l *EnqueueLimiter) key(queueName string) string {
	return fmt.Sprintf("queue:%s:enqueue_budget", queueName)
}

// Allow consumes one enqueue slot for queueName. A depleted bucket
// comes back as a retryable THROTTLED error; Redis trouble degrades
// open so a limiter outage cannot take enqueueing down with it.
func (l *EnqueueLimiter) Allow(ctx context.Context, queueName string) error {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.key(queueName)},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return nil
	}
	if granted, ok := arr[0].(int64); ok && granted == 1 {
		return nil
	}
	return jobs.NewRuntimeError(jobs.CodeThrottled,
		fmt.Sprintf("enqueue budget for queue %s exhausted", queueName), true).
		WithQueue(queueName)
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
return {allowed, tokens}
`)
