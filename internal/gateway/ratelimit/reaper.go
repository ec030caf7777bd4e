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

// This file implements the background reaper that removes idle buckets
// so the bucket map tracks the active user population, not the lifetime
// one.

package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically drops buckets idle longer than the threshold. The
// threshold is clamped to at least one full-refill window so a reaped
// bucket and a freshly created one are indistinguishable (both full),
// making the delete/recreate race lossless.
type Reaper struct {
	limiter   *UserLimiter
	interval  time.Duration
	idleAfter time.Duration
	logger    *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewReaper creates a reaper for l. A non-positive interval defaults to
// one minute; idleAfter is raised to the full-refill window if below it.
func NewReaper(l *UserLimiter, interval, idleAfter time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	refillWindow := time.Duration(l.capacity / l.refillPerSec * float64(time.Second))
	if idleAfter < refillWindow {
		idleAfter = refillWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		limiter:   l,
		interval:  interval,
		idleAfter: idleAfter,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the reap loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reapLoop()
	}()
}

// Stop halts the loop. Safe to call more than once.
func (r *Reaper) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Reaper) reapLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runReapCycle()
		case <-r.stopChan:
			return
		}
	}
}

// runReapCycle scans for stale buckets, then re-checks each before
// deleting so one touched since the scan survives.
func (r *Reaper) runReapCycle() int {
	now := r.limiter.cfg.Clock.Now()

	var stale []string
	r.limiter.buckets.Range(func(key, value any) bool {
		mb := value.(*managedBucket)
		if now.Sub(time.Unix(0, mb.lastAccessed.Load())) > r.idleAfter {
			stale = append(stale, key.(string))
		}
		return true
	})
	if len(stale) == 0 {
		return 0
	}

	removed := 0
	for _, key := range stale {
		if v, ok := r.limiter.buckets.Load(key); ok {
			mb := v.(*managedBucket)
			if now.Sub(time.Unix(0, mb.lastAccessed.Load())) <= r.idleAfter {
				continue
			}
			r.limiter.buckets.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("reaped idle rate-limit buckets",
			zap.Int("removed", removed),
			zap.Int("remaining", r.limiter.Len()),
		)
	}
	return removed
}
