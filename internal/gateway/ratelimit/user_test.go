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

package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"querygate/internal/gateway/clock"
)

func newTestUserLimiter(t *testing.T, callsPerMinute int) (*UserLimiter, *clock.Manual) {
	t.Helper()
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	return NewUserLimiter(UserConfig{CallsPerMinute: callsPerMinute, Clock: mc}), mc
}

// TestUserLimiter_SeventhCallWithinBurstDenied walks a 6-per-minute user
// through 7 immediate calls: 1-6 spend the full bucket, 7 is denied with
// a retry hint of one token's refill time (10s).
func TestUserLimiter_SeventhCallWithinBurstDenied(t *testing.T) {
	l, _ := newTestUserLimiter(t, 6)

	for i := 1; i <= 6; i++ {
		d := l.TryAcquire("u1", 1)
		if !d.Allowed {
			t.Fatalf("call %d denied, want allowed", i)
		}
		if want := float64(6 - i); d.Remaining != want {
			t.Fatalf("call %d Remaining = %v, want %v", i, d.Remaining, want)
		}
	}

	d := l.TryAcquire("u1", 1)
	if d.Allowed {
		t.Fatal("call 7 allowed, want denied")
	}
	if d.Scope != ScopeUser || d.Limit != 6 {
		t.Fatalf("denial = scope %q limit %v, want user / 6", d.Scope, d.Limit)
	}
	if diff := d.RetryAfter - 10*time.Second; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("RetryAfter = %v, want ~10s", d.RetryAfter)
	}
}

// TestUserLimiter_RefillRestoresTokens verifies continuous refill: after
// draining the bucket, 10 seconds buys exactly one more call.
func TestUserLimiter_RefillRestoresTokens(t *testing.T) {
	l, mc := newTestUserLimiter(t, 6)

	for i := 0; i < 6; i++ {
		l.TryAcquire("u1", 1)
	}
	if d := l.TryAcquire("u1", 1); d.Allowed {
		t.Fatal("drained bucket allowed a call")
	}

	mc.Advance(10 * time.Second)
	d := l.TryAcquire("u1", 1)
	if !d.Allowed {
		t.Fatalf("call after 10s refill denied, RetryAfter = %v", d.RetryAfter)
	}
	if math.Abs(d.Remaining) > 1e-9 {
		t.Fatalf("Remaining = %v, want ~0", d.Remaining)
	}
	if d := l.TryAcquire("u1", 1); d.Allowed {
		t.Fatal("immediate follow-up allowed, want denied")
	}
}

// TestUserLimiter_RefillCapsAtCapacity verifies a long idle period never
// banks more than one bucket's worth of tokens.
func TestUserLimiter_RefillCapsAtCapacity(t *testing.T) {
	l, mc := newTestUserLimiter(t, 6)

	l.TryAcquire("u1", 1)
	l.TryAcquire("u1", 1)

	mc.Advance(10 * time.Minute)
	d := l.TryAcquire("u1", 1)
	if !d.Allowed {
		t.Fatal("call after long idle denied")
	}
	if d.Remaining != 5 {
		t.Fatalf("Remaining = %v, want 5 (capacity minus this call)", d.Remaining)
	}
}

// TestUserLimiter_UsersAreIsolated verifies one user's exhaustion does
// not touch another's bucket.
func TestUserLimiter_UsersAreIsolated(t *testing.T) {
	l, _ := newTestUserLimiter(t, 6)

	for i := 0; i < 6; i++ {
		l.TryAcquire("u1", 1)
	}
	if d := l.TryAcquire("u1", 1); d.Allowed {
		t.Fatal("u1 allowed past capacity")
	}

	for i := 0; i < 6; i++ {
		if d := l.TryAcquire("u2", 1); !d.Allowed {
			t.Fatalf("u2 call %d denied by u1's exhaustion", i+1)
		}
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}

// TestUserLimiter_ConcurrentAcquiresNeverOversubscribe hammers one
// bucket from several goroutines: exactly capacity calls may win.
func TestUserLimiter_ConcurrentAcquiresNeverOversubscribe(t *testing.T) {
	l, _ := newTestUserLimiter(t, 100)

	const goroutines = 8
	const perGoroutine = 25

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if l.TryAcquire("shared", 1).Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Fatalf("allowed = %d of %d attempts, want exactly 100", got, goroutines*perGoroutine)
	}
}

// TestReaper_RemovesIdleBucketsOnly verifies the reap cycle removes the
// bucket idle past the threshold and keeps the recently touched one.
func TestReaper_RemovesIdleBucketsOnly(t *testing.T) {
	l, mc := newTestUserLimiter(t, 6)
	r := NewReaper(l, time.Minute, 0, nil)

	l.TryAcquire("idle", 1)
	l.TryAcquire("busy", 1)

	mc.Advance(90 * time.Second)
	l.TryAcquire("busy", 1) // touch

	if removed := r.runReapCycle(); removed != 1 {
		t.Fatalf("runReapCycle = %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d after reap, want 1", l.Len())
	}
}

// TestReaper_ClampsIdleThresholdToRefillWindow verifies a threshold
// below one full refill is raised, preserving the lossless-delete
// property.
func TestReaper_ClampsIdleThresholdToRefillWindow(t *testing.T) {
	l, _ := newTestUserLimiter(t, 6)
	r := NewReaper(l, time.Minute, time.Second, nil)

	if r.idleAfter != time.Minute {
		t.Fatalf("idleAfter = %v, want clamped to 1m", r.idleAfter)
	}
}

// TestReaper_StopIdempotent verifies lifecycle safety.
func TestReaper_StopIdempotent(t *testing.T) {
	l, _ := newTestUserLimiter(t, 6)
	r := NewReaper(l, time.Millisecond, 0, nil)

	r.Start()
	r.Stop()
	r.Stop()
}
