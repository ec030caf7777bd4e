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

// This file implements the per-user token buckets and their in-memory
// management.

package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
)

// UserConfig tunes the per-user limiter. Zero fields take the documented
// defaults.
type UserConfig struct {
	CallsPerMinute int // bucket capacity; refill rate is capacity/60 per second (default 60)
	Clock          clock.Clock
	Logger         *zap.Logger
}

func (c *UserConfig) setDefaults() {
	if c.CallsPerMinute <= 0 {
		c.CallsPerMinute = 60
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// bucket is one user's token balance. The mutex scope is a single user,
// so contention is per-user only.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// managedBucket wraps a bucket with the access metadata the reaper needs.
// lastAccessed is atomic so the hot path never takes a lock to touch it.
type managedBucket struct {
	b            bucket
	lastAccessed atomic.Int64 // unix nanos
}

// UserLimiter owns one lazily created token bucket per user id.
type UserLimiter struct {
	cfg          UserConfig
	capacity     float64
	refillPerSec float64
	buckets      sync.Map // userID -> *managedBucket
}

// NewUserLimiter returns a limiter with cfg's defaults applied.
func NewUserLimiter(cfg UserConfig) *UserLimiter {
	cfg.setDefaults()
	return &UserLimiter{
		cfg:          cfg,
		capacity:     float64(cfg.CallsPerMinute),
		refillPerSec: float64(cfg.CallsPerMinute) / 60.0,
	}
}

// getOrCreate returns the user's bucket, touching its access time.
//
// Fast path first: a plain Load allocates nothing when the user is
// already known. Only a miss allocates the bucket and races it in with
// LoadOrStore; the loser's allocation is discarded.
func (l *UserLimiter) getOrCreate(userID string, now time.Time) *managedBucket {
	if actual, ok := l.buckets.Load(userID); ok {
		mb := actual.(*managedBucket)
		mb.lastAccessed.Store(now.UnixNano())
		return mb
	}

	mb := &managedBucket{}
	mb.b.tokens = l.capacity // new buckets start full
	mb.b.lastRefill = now
	mb.lastAccessed.Store(now.UnixNano())

	if actual, loaded := l.buckets.LoadOrStore(userID, mb); loaded {
		existing := actual.(*managedBucket)
		existing.lastAccessed.Store(now.UnixNano())
		return existing
	}
	return mb
}

// TryAcquire refills the user's bucket for the elapsed time and takes
// cost tokens when available. A denial reports how long until cost
// tokens have refilled. A non-positive cost counts as one call.
func (l *UserLimiter) TryAcquire(userID string, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := l.cfg.Clock.Now()
	mb := l.getOrCreate(userID, now)

	mb.b.mu.Lock()
	defer mb.b.mu.Unlock()

	if elapsed := now.Sub(mb.b.lastRefill).Seconds(); elapsed > 0 {
		mb.b.tokens = math.Min(l.capacity, mb.b.tokens+elapsed*l.refillPerSec)
		mb.b.lastRefill = now
	}

	d := Decision{Scope: ScopeUser, Limit: l.capacity}
	if mb.b.tokens >= cost {
		mb.b.tokens -= cost
		d.Allowed = true
		d.Remaining = mb.b.tokens
		return d
	}

	d.Remaining = mb.b.tokens
	d.RetryAfter = time.Duration((cost - mb.b.tokens) / l.refillPerSec * float64(time.Second))
	telemetry.ObserveRateLimited(ScopeUser)
	l.cfg.Logger.Debug("user rate limited",
		zap.String("user_id", userID),
		zap.Duration("retry_after", d.RetryAfter),
	)
	return d
}

// Peek reports the user's current balance without consuming tokens.
// The refill still applies, so a long-idle user reads as a full
// bucket. The HTTP layer uses this for X-RateLimit headers.
func (l *UserLimiter) Peek(userID string) Decision {
	now := l.cfg.Clock.Now()
	mb := l.getOrCreate(userID, now)

	mb.b.mu.Lock()
	defer mb.b.mu.Unlock()

	if elapsed := now.Sub(mb.b.lastRefill).Seconds(); elapsed > 0 {
		mb.b.tokens = math.Min(l.capacity, mb.b.tokens+elapsed*l.refillPerSec)
		mb.b.lastRefill = now
	}
	return Decision{
		Scope:     ScopeUser,
		Limit:     l.capacity,
		Allowed:   mb.b.tokens >= 1,
		Remaining: mb.b.tokens,
	}
}

// Len counts active buckets. O(n); intended for tests and admin
// surfaces, not the hot path.
func (l *UserLimiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
