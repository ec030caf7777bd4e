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

// This file wraps a cache backend with a circuit breaker so cache
// trouble never takes the query path down: when the breaker rejects an
// operation the wrapper degrades to a safe fallback (miss, no-op store,
// zero-count invalidation) instead of surfacing the fault.

package cache

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"querygate/internal/gateway/breaker"
	"querygate/internal/gateway/telemetry"
)

// degradedLogEvery samples the degradation warning so an open breaker
// cannot flood the log. The first fallback always logs.
const degradedLogEvery = 100

// Backend is the cache surface the resilient wrapper protects. *Store
// satisfies it; tests substitute fault-injecting doubles.
type Backend interface {
	Get(fp string) (Entry, error)
	Store(fp string, content []byte, version string) (Entry, error)
	Invalidate(prefix string) int
	Metrics() MetricsSnapshot
}

// Resilient gates every backend call through a circuit breaker. Callers
// never see breaker errors: a rejected Get is a miss, a rejected Store
// is a silent no-op, a rejected Invalidate removed nothing. Designed
// rejections (too small, version mismatch, full) and plain misses count
// as healthy responses; only unexpected faults feed the breaker.
type Resilient struct {
	backend  Backend
	breaker  *breaker.Breaker
	logger   *zap.Logger
	degraded atomic.Int64
}

// NewResilient wraps backend with br. A nil breaker gets the default
// configuration; a nil logger is replaced with a no-op.
func NewResilient(backend Backend, br *breaker.Breaker, logger *zap.Logger) *Resilient {
	if br == nil {
		br = breaker.New(breaker.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{backend: backend, breaker: br, logger: logger}
}

// Get looks up fp, degrading to a miss when the breaker rejects the
// call. A cancelled context fails fast without consuming a probe or
// recording an outcome.
func (r *Resilient) Get(ctx context.Context, fp string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := r.breaker.Allow(); err != nil {
		r.degrade("get")
		return Entry{}, ErrMiss
	}
	ent, err := r.backend.Get(fp)
	r.record(err)
	return ent, err
}

// Store writes content for fp, degrading to a no-op when the breaker
// rejects the call. The degraded path returns a zero Entry and nil
// error; callers detect the skip by the empty fingerprint.
func (r *Resilient) Store(ctx context.Context, fp string, content []byte, version string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := r.breaker.Allow(); err != nil {
		r.degrade("store")
		return Entry{}, nil
	}
	ent, err := r.backend.Store(fp, content, version)
	r.record(err)
	return ent, err
}

// Invalidate removes entries matching prefix, degrading to a zero count
// when the breaker rejects the call.
func (r *Resilient) Invalidate(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := r.breaker.Allow(); err != nil {
		r.degrade("invalidate")
		return 0, nil
	}
	n := r.backend.Invalidate(prefix)
	r.breaker.RecordSuccess()
	return n, nil
}

// Metrics passes through to the backend; reading metrics is local and
// never breaker-gated.
func (r *Resilient) Metrics() MetricsSnapshot { return r.backend.Metrics() }

// Degraded returns how many operations fell back since construction.
func (r *Resilient) Degraded() int64 { return r.degraded.Load() }

// Breaker exposes the underlying breaker for inspection and manual
// control.
func (r *Resilient) Breaker() *breaker.Breaker { return r.breaker }

// record classifies a backend outcome for the breaker. Misses and
// designed rejections mean the backend answered correctly; anything
// else is a fault.
func (r *Resilient) record(err error) {
	if failureFor(err) {
		r.breaker.RecordFailure()
		return
	}
	r.breaker.RecordSuccess()
}

func failureFor(err error) bool {
	if err == nil || errors.Is(err, ErrMiss) {
		return false
	}
	switch KindOf(err) {
	case KindContentTooSmall, KindVersionMismatch, KindFull:
		return false
	}
	return true
}

func (r *Resilient) degrade(op string) {
	n := r.degraded.Add(1)
	telemetry.ObserveDegraded(op)
	if n == 1 || n%degradedLogEvery == 0 {
		r.logger.Warn("cache degraded, serving fallback",
			zap.String("op", op),
			zap.String("breaker_state", r.breaker.State().String()),
			zap.Int64("degraded_total", n),
		)
	}
}
