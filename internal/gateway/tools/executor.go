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

// Package tools dispatches natural-language tool calls through a fixed
// admission pipeline: registry lookup, schema validation, rate limiting
// (global gate first, then the caller's bucket), authorization, and
// finally a deadline-bounded handler invocation. Every accepted call
// produces exactly one Result; handler panics are contained to the call
// that raised them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querygate/internal/gateway/auth"
	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/ratelimit"
	"querygate/internal/gateway/telemetry"
)

// unknownToolLabel keeps metric cardinality bounded: lookups for names
// the registry has never seen share one label instead of minting one
// per typo.
const unknownToolLabel = "(unknown)"

// Call is one requested tool invocation. ID is assigned when empty so
// batch callers can reassociate results. UserID keys the per-user rate
// limiter; when empty, the identity on the context is used, and failing
// that the call is pooled under "anonymous".
type Call struct {
	ID     string         `json:"id,omitempty"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	UserID string         `json:"user_id,omitempty"`
}

// CallError is the serializable form of a failed call. Fields is set on
// validation failures, RetryAfterMS on rate-limit denials.
type CallError struct {
	Kind         Kind         `json:"kind"`
	Message      string       `json:"message"`
	Fields       []FieldError `json:"fields,omitempty"`
	RetryAfterMS int64        `json:"retry_after_ms,omitempty"`
}

// Result is the single terminal outcome of a call, success or not.
type Result struct {
	CallID     string        `json:"call_id"`
	Tool       string        `json:"tool"`
	UserID     string        `json:"user_id,omitempty"`
	Success    bool          `json:"success"`
	Data       any           `json:"data,omitempty"`
	Error      *CallError    `json:"error,omitempty"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Hook observes every terminal result; the audit recorder is the
// intended consumer. Hooks run synchronously after the result is final,
// so implementations must hand off quickly rather than block the call.
type Hook func(ctx context.Context, res Result)

// ExecutorConfig tunes the pipeline. Zero fields take the documented
// defaults; nil limiters disable their gate.
type ExecutorConfig struct {
	MaxConcurrency int                     // handler invocations in flight (default 50)
	DefaultTimeout time.Duration           // per-call deadline for tools that declare none (default 30s)
	Users          *ratelimit.UserLimiter  // per-user token buckets; nil disables
	Global         ratelimit.GlobalLimiter // fleet-wide gate, checked before user buckets; nil disables
	Auth           *auth.Authorizer        // scope checks for RequiresAuth tools
	Clock          clock.Clock
	Logger         *zap.Logger
}

func (c *ExecutorConfig) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 50
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Auth == nil {
		c.Auth = auth.NewAuthorizer(nil, c.Logger)
	}
}

// Executor runs the call pipeline against a registry.
type Executor struct {
	cfg      ExecutorConfig
	registry *Registry

	// sem caps concurrent handler invocations. Acquisition is
	// non-blocking: beyond capacity the executor answers Busy instead
	// of queueing, so rejection cost stays flat under overload.
	sem chan struct{}

	hookMu sync.RWMutex
	hooks  []Hook

	m executorMetrics
}

// NewExecutor returns an executor over registry with cfg's defaults
// applied.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	cfg.setDefaults()
	return &Executor{
		cfg:      cfg,
		registry: registry,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		m:        executorMetrics{perTool: make(map[string]*toolCounters)},
	}
}

// AddHook registers h to observe terminal results. Hooks run in
// registration order.
func (e *Executor) AddHook(h Hook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Active reports how many handler invocations currently hold
// concurrency slots.
func (e *Executor) Active() int { return len(e.sem) }

// Execute runs one call through the pipeline and always returns a
// Result: rejections (unknown tool, bad arguments, limits, missing
// scopes) surface as failed results with a status, never as Go errors.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	userID := call.UserID
	if userID == "" {
		if id, ok := auth.FromContext(ctx); ok && id.UserID != "" {
			userID = id.UserID
		} else {
			userID = "anonymous"
		}
	}

	start := e.cfg.Clock.Now()
	data, derr := e.dispatch(ctx, call, userID)

	res := Result{CallID: call.ID, Tool: call.Tool, UserID: userID}
	res.Duration = e.cfg.Clock.Since(start)
	res.DurationMS = res.Duration.Milliseconds()
	if derr != nil {
		res.Error = &CallError{
			Kind:         derr.Kind,
			Message:      derr.Msg,
			Fields:       derr.Fields,
			RetryAfterMS: derr.RetryAfter.Milliseconds(),
		}
		res.Status = derr.Kind.Status()
	} else {
		res.Success = true
		res.Data = data
		res.Status = 200
	}

	toolLabel := call.Tool
	status := "success"
	if derr != nil {
		status = string(derr.Kind)
		if derr.Kind == KindToolNotFound {
			toolLabel = unknownToolLabel
		}
	}
	e.m.record(toolLabel, res)
	telemetry.ObserveToolCall(toolLabel, status, res.Duration)
	e.runHooks(ctx, res)
	return res
}

// ExecuteBatch runs calls concurrently and returns one result per call,
// in input order. Calls in a batch are independent: they share no fate,
// only the executor's admission gates. Callers needing the completion
// order should reassociate by CallID instead.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Execute(ctx, calls[i])
		}(i)
	}
	wg.Wait()
	return results
}

// Metrics assembles a snapshot of the executor's counters.
func (e *Executor) Metrics() MetricsSnapshot {
	return e.m.snapshot(len(e.sem))
}

// dispatch applies the admission pipeline in its fixed order. The order
// is deliberate: cheap structural checks first, then the limiters
// (counting even unauthenticated traffic), then authorization, so an
// attacker cannot burn handler capacity probing credentials.
func (e *Executor) dispatch(ctx context.Context, call Call, userID string) (any, *Error) {
	tool, ok := e.registry.Lookup(call.Tool)
	if !ok {
		return nil, callErrf(call.Tool, KindToolNotFound, "no tool registered under %q", call.Tool)
	}

	if fields := tool.Schema.Validate(call.Args); len(fields) > 0 {
		return nil, &Error{Kind: KindValidation, Tool: call.Tool, Msg: "arguments rejected", Fields: fields}
	}

	if e.cfg.Global != nil {
		if d := e.cfg.Global.TryAcquire(ctx, 1); !d.Allowed {
			return nil, rateLimitErr(call.Tool, d)
		}
	}
	if e.cfg.Users != nil {
		if d := e.cfg.Users.TryAcquire(userID, 1); !d.Allowed {
			return nil, rateLimitErr(call.Tool, d)
		}
	}

	if tool.RequiresAuth {
		if err := e.cfg.Auth.Authorize(ctx, tool.RequiredScopes); err != nil {
			kind := KindUnauthenticated
			if errors.Is(err, auth.ErrUnauthorized) {
				kind = KindUnauthorized
			}
			return nil, &Error{Kind: kind, Tool: call.Tool, Msg: err.Error(), cause: err}
		}
	}

	return e.invoke(ctx, tool, call.Args)
}

// invoke runs the handler under a concurrency slot and the tool's
// deadline. The handler keeps its slot until it actually returns; a
// deadline only stops the wait, not the work, so a runaway handler
// cannot be double-counted as free capacity.
func (e *Executor) invoke(ctx context.Context, tool Tool, args map[string]any) (any, *Error) {
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, callErrf(tool.Name, KindBusy, "executor at capacity (%d calls in flight)", cap(e.sem))
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-e.sem }()
		data, err := e.safeInvoke(cctx, tool, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, e.classify(tool.Name, out.err)
		}
		return out.data, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, callErrf(tool.Name, KindTimeout, "handler exceeded %s deadline", timeout)
		}
		return nil, callErrf(tool.Name, KindExecution, "call canceled")
	}
}

// errPanic flags a recovered handler panic for classification. The
// panic value and stack stay in the log; callers get a generic message.
var errPanic = errors.New("tools: handler panicked")

func (e *Executor) safeInvoke(ctx context.Context, tool Tool, args map[string]any) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.m.panics.Add(1)
			e.cfg.Logger.Error("tool handler panicked",
				zap.String("tool", tool.Name),
				zap.Any("panic_value", r),
				zap.Stack("stack"),
			)
			data, err = nil, errPanic
		}
	}()
	return tool.Handler(ctx, args)
}

func (e *Executor) classify(tool string, err error) *Error {
	switch {
	case errors.Is(err, errPanic):
		return callErrf(tool, KindInternal, "internal handler fault")
	case errors.Is(err, context.DeadlineExceeded):
		return callErrf(tool, KindTimeout, "handler exceeded deadline")
	case errors.Is(err, context.Canceled):
		return callErrf(tool, KindExecution, "call canceled")
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindExecution, Tool: tool, Msg: err.Error(), cause: err}
}

func (e *Executor) runHooks(ctx context.Context, res Result) {
	e.hookMu.RLock()
	hooks := make([]Hook, len(e.hooks))
	copy(hooks, e.hooks)
	e.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, res)
	}
}

func rateLimitErr(tool string, d ratelimit.Decision) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Tool:       tool,
		Msg:        fmt.Sprintf("%s rate limit exceeded", d.Scope),
		RetryAfter: d.RetryAfter,
	}
}

// executorMetrics holds the executor's monotonic counters. Pipeline
// totals are atomic; the per-tool map takes a short mutex because tool
// cardinality is registry-bounded and recording is off the handler's
// critical section.
type executorMetrics struct {
	calls       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	timeouts    atomic.Int64
	rateLimited atomic.Int64
	busy        atomic.Int64
	panics      atomic.Int64
	durNanos    atomic.Int64

	mu      sync.Mutex
	perTool map[string]*toolCounters
}

type toolCounters struct {
	calls     int64
	successes int64
	failures  int64
	durNanos  int64
}

func (m *executorMetrics) record(tool string, res Result) {
	m.calls.Add(1)
	m.durNanos.Add(int64(res.Duration))
	if res.Success {
		m.successes.Add(1)
	} else {
		m.failures.Add(1)
		switch res.Error.Kind {
		case KindTimeout:
			m.timeouts.Add(1)
		case KindRateLimited:
			m.rateLimited.Add(1)
		case KindBusy:
			m.busy.Add(1)
		}
	}

	m.mu.Lock()
	tc := m.perTool[tool]
	if tc == nil {
		tc = &toolCounters{}
		m.perTool[tool] = tc
	}
	tc.calls++
	if res.Success {
		tc.successes++
	} else {
		tc.failures++
	}
	tc.durNanos += int64(res.Duration)
	m.mu.Unlock()
}

// ToolMetrics is one tool's slice of the executor counters.
type ToolMetrics struct {
	Calls       int64         `json:"calls"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
}

// MetricsSnapshot is a point-in-time view of the executor. Counters are
// consistent individually, not across fields.
type MetricsSnapshot struct {
	Calls       int64                  `json:"calls"`
	Successes   int64                  `json:"successes"`
	Failures    int64                  `json:"failures"`
	Timeouts    int64                  `json:"timeouts"`
	RateLimited int64                  `json:"rate_limited"`
	Busy        int64                  `json:"busy"`
	Panics      int64                  `json:"panics"`
	InFlight    int                    `json:"in_flight"`
	AvgDuration time.Duration          `json:"avg_duration_ns"`
	PerTool     map[string]ToolMetrics `json:"per_tool"`
}

func (m *executorMetrics) snapshot(inFlight int) MetricsSnapshot {
	snap := MetricsSnapshot{
		Calls:       m.calls.Load(),
		Successes:   m.successes.Load(),
		Failures:    m.failures.Load(),
		Timeouts:    m.timeouts.Load(),
		RateLimited: m.rateLimited.Load(),
		Busy:        m.busy.Load(),
		Panics:      m.panics.Load(),
		InFlight:    inFlight,
	}
	if snap.Calls > 0 {
		snap.AvgDuration = time.Duration(m.durNanos.Load() / snap.Calls)
	}

	m.mu.Lock()
	snap.PerTool = make(map[string]ToolMetrics, len(m.perTool))
	for name, tc := range m.perTool {
		tm := ToolMetrics{Calls: tc.calls, Successes: tc.successes, Failures: tc.failures}
		if tc.calls > 0 {
			tm.AvgDuration = time.Duration(tc.durNanos / tc.calls)
		}
		snap.PerTool[name] = tm
	}
	m.mu.Unlock()
	return snap
}
