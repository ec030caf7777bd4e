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

// This file implements the background maintenance worker: periodic TTL
// sweeps, pressure-triggered eviction, and gauge publication.

package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/telemetry"
)

// Worker drives Store.Cleanup on a fixed interval so expired entries are
// reclaimed even when no reads touch them, and keeps the telemetry
// gauges current.
type Worker struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewWorker creates a maintenance worker for store. A non-positive
// interval defaults to one minute.
func NewWorker(store *Store, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    store,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.maintenanceLoop()
	}()
}

// Stop halts the loop after the in-flight cycle, if any, completes.
// Safe to call more than once.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) maintenanceLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCycle()
		case <-w.stopChan:
			return
		}
	}
}

// runCycle performs one maintenance pass and publishes gauges.
func (w *Worker) runCycle() {
	removed := w.store.Cleanup()
	entries := w.store.Len()
	size := w.store.SizeBytes()
	pressure := w.store.Pressure()
	telemetry.SetCacheGauges(entries, size, pressure)
	if removed > 0 {
		w.logger.Debug("cache maintenance cycle",
			zap.Int("removed", removed),
			zap.Int("entries", entries),
			zap.Int64("size_bytes", size),
			zap.Float64("pressure", pressure),
		)
	}
}
