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

// This file implements the in-process global limiter: a fixed-window
// counter applied before the per-user buckets.

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
)

// GlobalLimiter gates traffic process- or fleet-wide before the
// per-user buckets apply. Implementations fail open on backend trouble:
// an unreachable limiter store must never become a query outage.
type GlobalLimiter interface {
	TryAcquire(ctx context.Context, cost int) Decision
}

// WindowLimiter is the in-process GlobalLimiter: a fixed-window counter
// whose admission path is a single atomic add. The mutex is taken only
// to rotate the window, so the hot path stays lock-free between
// rotations.
type WindowLimiter struct {
	capacity int64
	window   time.Duration
	clk      clock.Clock

	windowStart atomic.Int64 // unix nanos; 0 until the first acquire
	count       atomic.Int64
	mu          sync.Mutex // serializes window rotation only
}

// NewWindowLimiter returns a limiter admitting capacityPerWindow calls
// per window. A non-positive window defaults to one minute; a nil clock
// to the system clock.
func NewWindowLimiter(capacityPerWindow int, window time.Duration, clk clock.Clock) *WindowLimiter {
	if capacityPerWindow <= 0 {
		capacityPerWindow = 600
	}
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.System()
	}
	return &WindowLimiter{capacity: int64(capacityPerWindow), window: window, clk: clk}
}

// TryAcquire implements GlobalLimiter. A denial rolls its increment back
// and reports the time until the window resets.
func (w *WindowLimiter) TryAcquire(_ context.Context, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := w.clk.Now()
	w.rotate(now)

	n := w.count.Add(int64(cost))
	d := Decision{Scope: ScopeGlobal, Limit: float64(w.capacity)}
	if n > w.capacity {
		w.count.Add(int64(-cost))
		remaining := w.capacity - n + int64(cost)
		if remaining < 0 {
			remaining = 0
		}
		d.Remaining = float64(remaining)
		reset := time.Unix(0, w.windowStart.Load()).Add(w.window).Sub(now)
		if reset < 0 {
			reset = 0
		}
		d.RetryAfter = reset
		telemetry.ObserveRateLimited(ScopeGlobal)
		return d
	}
	d.Allowed = true
	d.Remaining = float64(w.capacity - n)
	return d
}

// rotate opens a fresh window when the current one has elapsed. The
// lock-free check handles the common mid-window case; rotation itself
// is serialized and re-checked under the mutex.
func (w *WindowLimiter) rotate(now time.Time) {
	start := w.windowStart.Load()
	if start != 0 && now.Sub(time.Unix(0, start)) < w.window {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	start = w.windowStart.Load()
	if start == 0 || now.Sub(time.Unix(0, start)) >= w.window {
		w.windowStart.Store(now.UnixNano())
		w.count.Store(0)
	}
}
