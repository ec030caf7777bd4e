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

// This file implements cache warming: seed queries and observed
// traffic patterns are replayed through the normal answer path so the
// cache is hot before real traffic arrives.

package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"querygate/internal/gateway/telemetry"
)

// Pattern is an observed traffic shape worth pre-warming, typically
// mined from query logs.
type Pattern struct {
	Query     string `json:"query"`
	Frequency int    `json:"frequency"`
	Category  string `json:"category,omitempty"`
}

// WarmOptions tunes one warming run.
type WarmOptions struct {
	MaxQueries int            // budget before the adaptive rule; 0 means every candidate
	Context    map[string]any // passed through to the upstream
}

// WarmReport summarizes one warming run.
type WarmReport struct {
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	EntriesAdded int           `json:"entries_added"`
	TokensAdded  int64         `json:"tokens_added"`
	Budget       int           `json:"budget"`
	Elapsed      time.Duration `json:"-"`
	ElapsedMS    int64         `json:"elapsed_ms"`
}

// Warm replays seed queries and high-frequency patterns through Answer
// until the budget runs out. Seeds keep their given order and go
// first; patterns follow sorted by descending frequency; duplicates
// warm once. With the adaptive rule on, a cold cache with room is
// allowed twice the budget and a nearly-full cache is capped hard, so
// warming cannot evict what real traffic already earned.
func (e *Engine) Warm(ctx context.Context, seeds []string, patterns []Pattern, opts WarmOptions) WarmReport {
	start := e.cfg.Clock.Now()
	queries := warmList(seeds, patterns)

	budget := opts.MaxQueries
	if budget <= 0 {
		budget = len(queries)
	}
	if e.cfg.Adaptive {
		m := e.cache.Metrics()
		switch {
		case m.MemoryPressure > 0.8:
			budget = min(budget, 10)
		case m.HitRate < e.cfg.TargetHitRate && m.MemoryPressure < 0.8:
			budget *= 2
		}
	}
	budget = min(budget, len(queries))

	var succeeded, failed, entries, tokensAdded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, q := range queries[:budget] {
		g.Go(func() error {
			resp, err := e.Answer(gctx, q, opts.Context)
			if err != nil {
				failed.Add(1)
				telemetry.ObserveWarmed(false)
				return nil // one bad seed must not stop the run
			}
			succeeded.Add(1)
			telemetry.ObserveWarmed(true)
			if resp.Stored && !resp.Cached {
				entries.Add(1)
				tokensAdded.Add(int64(resp.TokenCount))
			}
			return nil
		})
	}
	_ = g.Wait()

	report := WarmReport{
		Attempted:    budget,
		Succeeded:    int(succeeded.Load()),
		Failed:       int(failed.Load()),
		EntriesAdded: int(entries.Load()),
		TokensAdded:  tokensAdded.Load(),
		Budget:       budget,
		Elapsed:      e.cfg.Clock.Since(start),
	}
	report.ElapsedMS = report.Elapsed.Milliseconds()
	e.cfg.Logger.Info("cache warming finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("entries_added", report.EntriesAdded),
		zap.Int64("tokens_added", report.TokensAdded),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report
}

// warmList merges seeds and patterns into one deduplicated candidate
// list: seeds in their given order, then patterns by descending
// frequency (stable, so equal frequencies keep their input order).
func warmList(seeds []string, patterns []Pattern) []string {
	byFreq := make([]Pattern, len(patterns))
	copy(byFreq, patterns)
	sort.SliceStable(byFreq, func(i, j int) bool {
		return byFreq[i].Frequency > byFreq[j].Frequency
	})

	seen := make(map[string]struct{}, len(seeds)+len(byFreq))
	out := make([]string, 0, len(seeds)+len(byFreq))
	add := func(q string) {
		if q == "" {
			return
		}
		if _, dup := seen[q]; dup {
			return
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	for _, q := range seeds {
		add(q)
	}
	for _, p := range byFreq {
		add(p.Query)
	}
	return out
}

// PeriodicWarmer re-runs a fixed warming list on an interval so
// entries evicted or expired between runs are restored. One run fires
// immediately on Start; Stop waits for the in-flight run to finish.
type PeriodicWarmer struct {
	engine   *Engine
	seeds    []string
	patterns []Pattern
	opts     WarmOptions
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewPeriodicWarmer creates a warmer that replays seeds and patterns
// every interval. A non-positive interval defaults to five minutes.
func NewPeriodicWarmer(eng *Engine, seeds []string, patterns []Pattern, opts WarmOptions, interval time.Duration, logger *zap.Logger) *PeriodicWarmer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicWarmer{
		engine:   eng,
		seeds:    seeds,
		patterns: patterns,
		opts:     opts,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the warming loop.
func (p *PeriodicWarmer) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
}

// Stop halts the loop after the in-flight run, if any, completes. Safe
// to call more than once.
func (p *PeriodicWarmer) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

func (p *PeriodicWarmer) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce()
	for {
		select {
		case <-ticker.C:
			p.runOnce()
		case <-p.stopChan:
			return
		}
	}
}

// runOnce executes one warming pass under a context that aborts when
// Stop is called, so shutdown never waits out a full warm.
func (p *PeriodicWarmer) runOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	report := p.engine.Warm(ctx, p.seeds, p.patterns, p.opts)
	if report.Failed > 0 {
		p.logger.Warn("periodic warm run had failures",
			zap.Int("attempted", report.Attempted),
			zap.Int("failed", report.Failed),
		)
	}
}
