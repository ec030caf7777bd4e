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

// Package breaker implements the three-state circuit gate that isolates a
// failing dependency. A closed breaker admits everything with one atomic
// load; an open breaker denies until a cool-down elapses; a half-open
// breaker admits a deterministic fraction of traffic as recovery probes
// and closes again after enough of them succeed.
//
// The hot path is the admission check. State transitions and counters are
// guarded by a single mutex; only the closed-state snapshot is lock-free.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
)

// State is the breaker position. The zero value is StateClosed.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned by Allow while the circuit is open and the
	// cool-down has not elapsed.
	ErrOpen = errors.New("breaker: circuit open")
	// ErrThrottled is returned by Allow for the half-open traffic held
	// back while recovery is probed.
	ErrThrottled = errors.New("breaker: half-open, call throttled")
)

// maxRecentFailures bounds the failure timestamps retained for metrics.
const maxRecentFailures = 50

// Config tunes a Breaker. Zero fields take the documented defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that trip CLOSED -> OPEN (default 5)
	SuccessThreshold int           // consecutive probe successes that close again (default 3)
	Timeout          time.Duration // OPEN cool-down before probing starts (default 60s)
	RollingWindow    time.Duration // window for the failure-rate trip (default 5m)
	RateThreshold    float64       // windowed failure rate that also trips CLOSED -> OPEN; <=0 disables
	MinWindowSamples int           // outcomes required before the rate trip applies (default 10)
	RecoveryFactor   float64       // fraction of half-open arrivals admitted, (0,1] (default 0.5)
	Clock            clock.Clock
	Logger           *zap.Logger
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 5 * time.Minute
	}
	if c.MinWindowSamples <= 0 {
		c.MinWindowSamples = 10
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor > 1 {
		c.RecoveryFactor = 0.5
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is the circuit gate. Create with New; the zero value is not
// usable.
type Breaker struct {
	cfg Config

	// state duplicates the position under mu so closed-state admission
	// never takes the lock.
	state atomic.Int32

	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	window               []outcome
	recentFailures       []time.Time
	openedAt             time.Time
	enteredStateAt       time.Time
	probesInFlight       int
	halfOpenSeen         int
	halfOpenAdmitted     int
	stateChanges         int64
	forced               bool
}

// Metrics is a point-in-time view of the breaker for observability and
// admin surfaces.
type Metrics struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	FailureRate          float64 // over the rolling window
	WindowSamples        int
	TimeInState          time.Duration
	StateChanges         int64
	ProbesInFlight       int
	RecentFailures       []time.Time // oldest first, capped at 50
	Forced               bool
}

// New returns a closed Breaker with cfg's defaults applied.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	b := &Breaker{cfg: cfg}
	b.enteredStateAt = cfg.Clock.Now()
	return b
}

// State returns the current position without taking the lock.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow reports whether a call may proceed right now. nil means admitted.
// An open breaker whose cool-down has elapsed transitions to half-open
// first and then applies the half-open rule, so Allow is also the timer
// tick of the state machine.
func (b *Breaker) Allow() error {
	if State(b.state.Load()) == StateClosed {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()

	switch State(b.state.Load()) {
	case StateClosed:
		// Raced a transition between the snapshot and the lock.
		return nil
	case StateOpen:
		if b.forced || now.Sub(b.openedAt) < b.cfg.Timeout {
			return ErrOpen
		}
		b.transitionLocked(StateHalfOpen, now)
	}

	// Half-open: cap concurrent probes at the success threshold, then
	// admit a deterministic recoveryFactor fraction of arrivals.
	if b.probesInFlight >= b.cfg.SuccessThreshold {
		b.halfOpenSeen++
		return ErrThrottled
	}
	if float64(b.halfOpenAdmitted) < float64(b.halfOpenSeen+1)*b.cfg.RecoveryFactor {
		b.halfOpenSeen++
		b.halfOpenAdmitted++
		b.probesInFlight++
		return nil
	}
	b.halfOpenSeen++
	return ErrThrottled
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.observeLocked(now, true)

	switch State(b.state.Load()) {
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	case StateOpen:
		// Late report from a call admitted before the trip. The window
		// keeps it; the state machine ignores it.
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.observeLocked(now, false)
	b.recentFailures = append(b.recentFailures, now)
	if len(b.recentFailures) > maxRecentFailures {
		b.recentFailures = b.recentFailures[len(b.recentFailures)-maxRecentFailures:]
	}

	switch State(b.state.Load()) {
	case StateClosed:
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold || b.rateTrippedLocked() {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.transitionLocked(StateOpen, now)
	case StateOpen:
	}
}

// ForceOpen pins the breaker open until ForceClosed or Reset. Admin use
// only; never call from the hot path.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transitionLocked(StateOpen, b.cfg.Clock.Now())
}

// ForceClosed clears a forced-open pin and closes the breaker.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.transitionLocked(StateClosed, b.cfg.Clock.Now())
}

// Reset closes the breaker and discards all accumulated history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.transitionLocked(StateClosed, b.cfg.Clock.Now())
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.window = b.window[:0]
	b.recentFailures = nil
}

// Metrics returns a consistent snapshot. The window is pruned first so
// FailureRate reflects the rolling window as of now.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.pruneLocked(now)

	fails := 0
	for _, o := range b.window {
		if !o.ok {
			fails++
		}
	}
	rate := 0.0
	if len(b.window) > 0 {
		rate = float64(fails) / float64(len(b.window))
	}
	recent := make([]time.Time, len(b.recentFailures))
	copy(recent, b.recentFailures)

	return Metrics{
		State:                State(b.state.Load()),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		FailureRate:          rate,
		WindowSamples:        len(b.window),
		TimeInState:          now.Sub(b.enteredStateAt),
		StateChanges:         b.stateChanges,
		ProbesInFlight:       b.probesInFlight,
		RecentFailures:       recent,
		Forced:               b.forced,
	}
}

// observeLocked appends one outcome to the rolling window.
func (b *Breaker) observeLocked(now time.Time, ok bool) {
	b.pruneLocked(now)
	b.window = append(b.window, outcome{at: now, ok: ok})
}

// pruneLocked drops outcomes older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// rateTrippedLocked reports whether the windowed failure rate crossed the
// configured threshold. It never trips on thin windows.
func (b *Breaker) rateTrippedLocked() bool {
	if b.cfg.RateThreshold <= 0 || len(b.window) < b.cfg.MinWindowSamples {
		return false
	}
	fails := 0
	for _, o := range b.window {
		if !o.ok {
			fails++
		}
	}
	return float64(fails)/float64(len(b.window)) >= b.cfg.RateThreshold
}

// transitionLocked moves the state machine and resets the counters owned
// by the state being entered. No-op when from == to.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := State(b.state.Load())
	if from == to {
		return
	}
	b.state.Store(int32(to))
	b.stateChanges++
	b.enteredStateAt = now

	switch to {
	case StateOpen:
		b.openedAt = now
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.probesInFlight = 0
		b.halfOpenSeen = 0
		b.halfOpenAdmitted = 0
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.window = b.window[:0]
	}

	b.cfg.Logger.Info("breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	telemetry.ObserveBreakerTransition(from.String(), to.String(), int32(to))
}
