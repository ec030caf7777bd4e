// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the shared-keyspace global limiter: the same
// fixed window as WindowLimiter, enforced in Redis so every process
// pointing at the keyspace shares one budget.

package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"querygate/internal/gateway/telemetry"
)

// Evaler abstracts the minimal script-evaluation surface we need from a
// Redis client. Implementations may wrap github.com/redis/go-redis/v9
// (Cmdable.Eval) or any equivalent.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// windowScript applies the fixed window atomically: INCRBY the window
// counter, arm its expiry on first use, roll the increment back on a
// deny. Returns {allowed, remaining, ttl_ms}.
const windowScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])
local count = redis.call('INCRBY', key, cost)
if count == cost then
  redis.call('PEXPIRE', key, window_ms)
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window_ms)
  ttl = window_ms
end
if count > capacity then
  redis.call('DECRBY', key, cost)
  local remaining = capacity - count + cost
  if remaining < 0 then
    remaining = 0
  end
  return {0, remaining, ttl}
end
return {1, capacity - count, ttl}
`

// RedisLimiter is the distributed GlobalLimiter. Backend errors fail
// open with a warning: rate limiting degrades before availability does.
type RedisLimiter struct {
	client   Evaler
	key      string
	capacity int64
	window   time.Duration
	logger   *zap.Logger
}

// NewRedisLimiter returns a limiter counting against key in the shared
// keyspace. Defaults: key "querygate:global_window", one-minute window,
// capacity 600.
func NewRedisLimiter(client Evaler, key string, capacityPerWindow int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if key == "" {
		key = "querygate:global_window"
	}
	if capacityPerWindow <= 0 {
		capacityPerWindow = 600
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:   client,
		key:      key,
		capacity: int64(capacityPerWindow),
		window:   window,
		logger:   logger,
	}
}

// TryAcquire implements GlobalLimiter.
func (r *RedisLimiter) TryAcquire(ctx context.Context, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	res, err := r.client.Eval(ctx, windowScript, []string{r.key},
		r.capacity, cost, r.window.Milliseconds())
	if err != nil {
		r.logger.Warn("global limiter backend error, failing open", zap.Error(err))
		return Decision{Allowed: true, Scope: ScopeGlobal, Limit: float64(r.capacity)}
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		r.logger.Warn("global limiter script returned unexpected shape, failing open",
			zap.Any("result", res))
		return Decision{Allowed: true, Scope: ScopeGlobal, Limit: float64(r.capacity)}
	}

	d := Decision{
		Allowed:   asInt64(arr[0]) == 1,
		Scope:     ScopeGlobal,
		Limit:     float64(r.capacity),
		Remaining: float64(asInt64(arr[1])),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(asInt64(arr[2])) * time.Millisecond
		telemetry.ObserveRateLimited(ScopeGlobal)
	}
	return d
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// GoRedisEvaler is a production Redis client wrapper implementing
// Evaler on top of github.com/redis/go-redis/v9.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler constructs a client for an address like
// "127.0.0.1:6379".
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewGoRedisEvalerFromClient wraps an existing client; the caller keeps
// ownership of its lifecycle.
func NewGoRedisEvalerFromClient(c *redis.Client) *GoRedisEvaler {
	return &GoRedisEvaler{c: c}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Close releases the underlying client's connections.
func (g *GoRedisEvaler) Close() error { return g.c.Close() }

// LoggingEvaler is a demo client that logs the evaluation and pretends
// the window admitted the call. It lets the Redis limiter be selected
// without a reachable Redis. Not for production use.
type LoggingEvaler struct{ Logger *zap.Logger }

func (l LoggingEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("redis-demo EVAL",
		zap.Int("script_len", len(script)),
		zap.Strings("keys", keys),
		zap.Any("args", args),
	)
	// Well-formed {allowed, remaining, ttl_ms} so callers parse it like
	// a real reply.
	var remaining int64
	if len(args) >= 2 {
		remaining = asInt64(args[0]) - asInt64(args[1])
	}
	return []interface{}{int64(1), remaining, int64(0)}, nil
}
