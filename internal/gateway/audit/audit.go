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

// Package audit turns terminal tool-call results into durable events.
// The Recorder decouples the call path from sink latency with a bounded
// ingress queue: events are batched and flushed on a ticker or when a
// batch fills, and when the queue is full new events are dropped and
// counted rather than ever blocking a caller. Audit here is best-effort
// by contract; the drop counter is the honesty mechanism.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
	"querygate/internal/gateway/tools"
)

// Event is one immutable audit record of a terminal call outcome.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	UserID     string    `json:"user_id,omitempty"`
	Tool       string    `json:"tool"`
	CallID     string    `json:"call_id"`
	Outcome    string    `json:"outcome"` // "success" or the failure kind
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Sink persists batches of events. Implementations must tolerate
// replayed batches: a flush retried after a partial failure may carry
// event IDs the sink has already seen. The events slice is reused after
// Write returns; implementations that keep events must copy them.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// FromResult maps an executor result to an audit event. ID and Time are
// left zero for the Recorder to fill.
func FromResult(res tools.Result) Event {
	e := Event{
		CallID:     res.CallID,
		Tool:       res.Tool,
		UserID:     res.UserID,
		Status:     res.Status,
		DurationMS: res.DurationMS,
		Outcome:    "success",
	}
	if res.Error != nil {
		e.Outcome = string(res.Error.Kind)
		e.Error = res.Error.Message
	}
	return e
}

// RecorderConfig tunes the recorder. Zero fields take the documented
// defaults.
type RecorderConfig struct {
	QueueSize     int           // ingress buffer (default 1024)
	BatchSize     int           // flush when a batch reaches this size (default 64)
	FlushInterval time.Duration // flush cadence for partial batches (default 1s)
	WriteTimeout  time.Duration // per-flush sink deadline (default 5s)
	Sink          Sink
	Clock         clock.Clock
	Logger        *zap.Logger
}

func (c *RecorderConfig) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Recorder batches events into a Sink on a background goroutine.
type Recorder struct {
	cfg RecorderConfig

	in       chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	recorded      atomic.Int64
	flushed       atomic.Int64
	dropped       atomic.Int64
	writeFailures atomic.Int64
}

// NewRecorder returns a recorder feeding sink. Call Start to begin
// flushing and Stop to drain.
func NewRecorder(cfg RecorderConfig) *Recorder {
	cfg.setDefaults()
	return &Recorder{
		cfg:      cfg,
		in:       make(chan Event, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the flush loop.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.flushLoop()
}

// Stop halts the loop after a final drain-and-flush. Safe to call more
// than once. Events recorded after Stop are dropped.
func (r *Recorder) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

// Record enqueues e, filling its ID and timestamp when unset. Never
// blocks: a full queue drops the event and bumps the drop counter.
func (r *Recorder) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.cfg.Clock.Now()
	}
	select {
	case r.in <- e:
		r.recorded.Add(1)
	default:
		n := r.dropped.Add(1)
		telemetry.ObserveAuditDrop(1)
		if n == 1 || n%1000 == 0 {
			r.cfg.Logger.Warn("audit queue full, dropping events",
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Hook adapts the recorder to the executor's hook interface.
func (r *Recorder) Hook() tools.Hook {
	return func(_ context.Context, res tools.Result) {
		r.Record(FromResult(res))
	}
}

// Stats reports the recorder's lifetime counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded:      r.recorded.Load(),
		Flushed:       r.flushed.Load(),
		Dropped:       r.dropped.Load(),
		WriteFailures: r.writeFailures.Load(),
	}
}

// RecorderStats is a point-in-time view of the recorder counters.
type RecorderStats struct {
	Recorded      int64 `json:"recorded"`
	Flushed       int64 `json:"flushed"`
	Dropped       int64 `json:"dropped"`
	WriteFailures int64 `json:"write_failures"`
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.cfg.BatchSize)
	for {
		select {
		case e := <-r.in:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				batch = r.flush(batch)
			}
		case <-r.stopChan:
			// Drain whatever made it into the queue before the stop.
			for {
				select {
				case e := <-r.in:
					batch = append(batch, e)
					if len(batch) >= r.cfg.BatchSize {
						batch = r.flush(batch)
					}
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

// flush writes the batch and returns an empty slice reusing its
// backing array. A failed write is logged and the batch abandoned;
// retrying against a struggling sink from here would only back the
// queue up into the drop path.
func (r *Recorder) flush(batch []Event) []Event {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	err := r.cfg.Sink.Write(ctx, batch)
	cancel()
	if err != nil {
		r.writeFailures.Add(1)
		r.cfg.Logger.Warn("audit flush failed",
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
	} else {
		r.flushed.Add(int64(len(batch)))
	}
	return batch[:0]
}
