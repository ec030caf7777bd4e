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

// Package engine answers natural-language queries through the gated
// cache: fingerprint the query, try the resilient cache, and on a miss
// regenerate through the upstream model, execute any tool calls it
// emits, pad undersized answers and store the result. Concurrent
// misses on the same fingerprint are coalesced so the upstream sees
// one generation per query.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
	"querygate/internal/gateway/tools"
	"querygate/internal/gateway/tracing"
	"querygate/pkg/padding"
	"querygate/pkg/tokens"
)

// Generation is what the upstream produces for one query.
type Generation struct {
	Content    string
	TokenCount int // 0 lets the engine estimate
	ToolCalls  []tools.Call
}

// UpstreamGenerator produces fresh content for a query that missed the
// cache. Implementations wrap the actual model client.
type UpstreamGenerator interface {
	Generate(ctx context.Context, query string, qctx map[string]any) (Generation, error)
}

// Response is one answered query.
type Response struct {
	Query       string         `json:"query"`
	Fingerprint string         `json:"fingerprint"`
	Content     string         `json:"content"`
	TokenCount  int            `json:"token_count"`
	Cached      bool           `json:"cached"`
	Stored      bool           `json:"stored"`
	Padded      bool           `json:"padded"`
	ToolResults []tools.Result `json:"tool_results,omitempty"`
	Elapsed     time.Duration  `json:"-"`
	ElapsedMS   int64          `json:"elapsed_ms"`
}

// Config tunes the engine. Zero fields take the documented defaults.
type Config struct {
	Version       string  // cache namespace for stored answers (default "v1")
	MinTokens     int     // padder target, matches the store floor (default 500)
	Concurrency   int     // warming parallelism (default 10)
	Adaptive      bool    // enables the adaptive warming budget rule
	TargetHitRate float64 // hit rate the adaptive rule drives toward (default 0.80)
	Clock         clock.Clock
	Logger        *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.MinTokens <= 0 {
		c.MinTokens = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.TargetHitRate <= 0 {
		c.TargetHitRate = 0.80
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Engine wires the resilient cache, the upstream generator and the
// tool executor into the query path.
type Engine struct {
	cache    *cache.Resilient
	upstream UpstreamGenerator
	exec     *tools.Executor // nil skips tool-call execution
	cfg      Config
	tracer   trace.Tracer
	sf       singleflight.Group
}

// New builds an engine. upstream must be non-nil; exec may be nil when
// the deployment dispatches no tools.
func New(c *cache.Resilient, upstream UpstreamGenerator, exec *tools.Executor, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		cache:    c,
		upstream: upstream,
		exec:     exec,
		cfg:      cfg,
		tracer:   tracing.Tracer("engine"),
	}
}

// flight is the coalesced outcome shared by every caller waiting on
// the same fingerprint.
type flight struct {
	resp   Response
	cached bool
}

// Answer resolves one query. The cache is consulted first; a miss runs
// exactly one upstream generation per fingerprint no matter how many
// callers ask concurrently (the first caller's context drives the
// shared generation). Cache trouble degrades to regeneration, never to
// an error; only context cancellation and upstream failure surface.
func (e *Engine) Answer(ctx context.Context, query string, qctx map[string]any) (Response, error) {
	start := e.cfg.Clock.Now()
	fp := tokens.Fingerprint(query)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "engine.answer",
		attribute.String("query.fingerprint", fp),
	)
	defer span.End()

	if ent, err := e.cache.Get(ctx, fp); err == nil {
		tracing.AddEvent(ctx, "cache_hit")
		return e.finish(Response{
			Query:       query,
			Fingerprint: fp,
			Content:     string(ent.Content),
			TokenCount:  ent.TokenCount,
			Cached:      true,
			Stored:      true,
		}, start, true), nil
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	v, err, _ := e.sf.Do(fp, func() (any, error) {
		// Re-check after joining the flight: a concurrent caller may
		// have stored the answer while this one waited.
		if ent, err := e.cache.Get(ctx, fp); err == nil {
			return flight{
				resp: Response{
					Query:       query,
					Fingerprint: fp,
					Content:     string(ent.Content),
					TokenCount:  ent.TokenCount,
					Cached:      true,
					Stored:      true,
				},
				cached: true,
			}, nil
		}
		return e.regenerate(ctx, query, fp, qctx)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return Response{}, err
	}
	f := v.(flight)
	if f.cached {
		tracing.AddEvent(ctx, "cache_hit")
	}
	return e.finish(f.resp, start, f.cached), nil
}

func (e *Engine) finish(resp Response, start time.Time, hit bool) Response {
	resp.Elapsed = e.cfg.Clock.Since(start)
	resp.ElapsedMS = resp.Elapsed.Milliseconds()
	telemetry.ObserveQuery(hit, resp.Elapsed)
	return resp
}

// regenerate runs the upstream, dispatches any tool calls it emitted
// and stores the answer. An answer below the cacheability floor is
// padded once and retried; the padded form is served only when it was
// actually stored, so responses always match what later hits return.
func (e *Engine) regenerate(ctx context.Context, query, fp string, qctx map[string]any) (flight, error) {
	gen, err := e.upstream.Generate(ctx, query, qctx)
	if err != nil {
		return flight{}, fmt.Errorf("upstream generate: %w", err)
	}
	resp := Response{
		Query:       query,
		Fingerprint: fp,
		Content:     gen.Content,
		TokenCount:  gen.TokenCount,
	}
	if resp.TokenCount <= 0 {
		resp.TokenCount = tokens.EstimateString(gen.Content)
	}

	if len(gen.ToolCalls) > 0 && e.exec != nil {
		resp.ToolResults = e.exec.ExecuteBatch(ctx, gen.ToolCalls)
		tracing.AddEvent(ctx, "tool_calls_executed",
			attribute.Int("count", len(gen.ToolCalls)),
		)
	}

	ent, err := e.cache.Store(ctx, fp, []byte(gen.Content), e.cfg.Version)
	switch {
	case err == nil && ent.Fingerprint != "":
		resp.Stored = true
		resp.TokenCount = ent.TokenCount
	case cache.KindOf(err) == cache.KindContentTooSmall:
		padded := padding.Pad(gen.Content, e.cfg.MinTokens)
		pent, perr := e.cache.Store(ctx, fp, []byte(padded), e.cfg.Version)
		if perr == nil && pent.Fingerprint != "" {
			resp.Content = padded
			resp.TokenCount = pent.TokenCount
			resp.Padded = true
			resp.Stored = true
			tracing.AddEvent(ctx, "response_padded")
		}
	case err != nil:
		// Full, version mismatch, cache fault: serve the answer
		// uncached. The resilient wrapper already fed the breaker.
		e.cfg.Logger.Debug("answer not cached",
			zap.String("fingerprint", fp),
			zap.Error(err),
		)
	}
	return flight{resp: resp}, nil
}

// Metrics returns the cache metrics snapshot behind this engine.
func (e *Engine) Metrics() cache.MetricsSnapshot { return e.cache.Metrics() }

// Invalidate removes cached answers whose internal key matches prefix.
func (e *Engine) Invalidate(ctx context.Context, prefix string) (int, error) {
	return e.cache.Invalidate(ctx, prefix)
}
