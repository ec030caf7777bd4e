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

package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"querygate/internal/gateway/auth"
	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/ratelimit"
)

func mustRegister(t *testing.T, r *Registry, tool Tool) {
	t.Helper()
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register %s: %v", tool.Name, err)
	}
}

func echoTool() Tool {
	return Tool{
		Name: "echo",
		Schema: Schema{Params: map[string]Param{
			"msg": {Type: TypeString, Required: true},
		}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", d, msg)
}

// TestExecutor_Execute_SuccessPath runs one well-formed call end to end
// and checks the result envelope: assigned call ID, echoed data, status
// 200, and the metrics trail.
func TestExecutor_Execute_SuccessPath(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{
		Tool: "echo",
		Args: map[string]any{"msg": "hello"},
	})

	if !res.Success {
		t.Fatalf("Success = false, error = %+v", res.Error)
	}
	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if res.Data != "hello" {
		t.Fatalf("Data = %v, want %q", res.Data, "hello")
	}
	if res.CallID == "" {
		t.Fatal("CallID not assigned")
	}
	if res.UserID != "anonymous" {
		t.Fatalf("UserID = %q, want anonymous", res.UserID)
	}
	if res.Tool != "echo" {
		t.Fatalf("Tool = %q", res.Tool)
	}

	m := ex.Metrics()
	if m.Calls != 1 || m.Successes != 1 || m.Failures != 0 {
		t.Fatalf("metrics = %d calls / %d ok / %d failed, want 1/1/0", m.Calls, m.Successes, m.Failures)
	}
}

// TestExecutor_Execute_ToolNotFound checks the unknown-name rejection
// and that it is pooled under one metrics label rather than minting a
// per-typo entry.
func TestExecutor_Execute_ToolNotFound(t *testing.T) {
	ex := NewExecutor(NewRegistry(), ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{Tool: "ghostwriter"})
	if res.Success {
		t.Fatal("unknown tool succeeded")
	}
	if res.Error.Kind != KindToolNotFound || res.Status != 404 {
		t.Fatalf("got %s / %d, want tool_not_found / 404", res.Error.Kind, res.Status)
	}

	m := ex.Metrics()
	if m.PerTool["ghostwriter"].Calls != 0 {
		t.Fatal("unknown name minted its own metrics entry")
	}
	if m.PerTool[unknownToolLabel].Calls != 1 {
		t.Fatalf("unknown-label calls = %d, want 1", m.PerTool[unknownToolLabel].Calls)
	}
}

// TestExecutor_Execute_ValidationListsEveryField verifies a bad call is
// rejected before the handler runs, with all offending fields reported
// at once.
func TestExecutor_Execute_ValidationListsEveryField(t *testing.T) {
	invoked := 0
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name: "search",
		Schema: Schema{Params: map[string]Param{
			"query": {Type: TypeString, Required: true},
			"limit": {Type: TypeInteger, Minimum: fptr(1)},
		}},
		Handler: func(context.Context, map[string]any) (any, error) {
			invoked++
			return nil, nil
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{
		Tool: "search",
		Args: map[string]any{"limit": float64(0), "order": "asc"},
	})

	if res.Success || res.Status != 400 || res.Error.Kind != KindValidation {
		t.Fatalf("got success=%v status=%d kind=%v, want validation_error / 400", res.Success, res.Status, res.Error.Kind)
	}
	if len(res.Error.Fields) != 3 {
		t.Fatalf("Fields = %+v, want 3 entries (query, limit, order)", res.Error.Fields)
	}
	if invoked != 0 {
		t.Fatal("handler ran despite failed validation")
	}
}

// TestExecutor_Execute_SeventhCallRateLimited drives a 6-per-minute
// user through 7 back-to-back calls: 1-6 execute, 7 is denied with a
// retry hint of one token's refill time (10s).
func TestExecutor_Execute_SeventhCallRateLimited(t *testing.T) {
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{
		Users: ratelimit.NewUserLimiter(ratelimit.UserConfig{CallsPerMinute: 6, Clock: mc}),
	})

	args := map[string]any{"msg": "hi"}
	for i := 1; i <= 6; i++ {
		if res := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"}); !res.Success {
			t.Fatalf("call %d failed: %+v", i, res.Error)
		}
	}

	res := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"})
	if res.Success {
		t.Fatal("call 7 succeeded, want rate limited")
	}
	if res.Error.Kind != KindRateLimited || res.Status != 429 {
		t.Fatalf("got %s / %d, want rate_limited / 429", res.Error.Kind, res.Status)
	}
	if res.Error.RetryAfterMS < 9990 || res.Error.RetryAfterMS > 10010 {
		t.Fatalf("RetryAfterMS = %d, want ~10000", res.Error.RetryAfterMS)
	}
	if m := ex.Metrics(); m.RateLimited != 1 {
		t.Fatalf("RateLimited metric = %d, want 1", m.RateLimited)
	}
}

// TestExecutor_Execute_GlobalGateBeforeUserBuckets verifies the global
// limiter is consulted first: when it denies, the user's own bucket is
// left untouched.
func TestExecutor_Execute_GlobalGateBeforeUserBuckets(t *testing.T) {
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	users := ratelimit.NewUserLimiter(ratelimit.UserConfig{CallsPerMinute: 6, Clock: mc})
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{
		Users:  users,
		Global: ratelimit.NewWindowLimiter(1, time.Minute, mc),
	})

	args := map[string]any{"msg": "hi"}
	if res := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"}); !res.Success {
		t.Fatalf("first call failed: %+v", res.Error)
	}

	res := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"})
	if res.Success || res.Error.Kind != KindRateLimited {
		t.Fatalf("second call = %+v, want global denial", res)
	}

	// The user bucket spent exactly one token on the admitted call; the
	// denied one never reached it.
	if d := users.TryAcquire("u1", 1); !d.Allowed || d.Remaining != 4 {
		t.Fatalf("user bucket = allowed %v remaining %v, want true / 4", d.Allowed, d.Remaining)
	}
}

// TestExecutor_Execute_RateLimitCheckedBeforeAuth verifies an exhausted
// caller is answered 429, not 401: unauthenticated probes draw from the
// same budget and cannot bypass it to reach credential checks.
func TestExecutor_Execute_RateLimitCheckedBeforeAuth(t *testing.T) {
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	r := NewRegistry()
	protected := echoTool()
	protected.RequiresAuth = true
	mustRegister(t, r, protected)
	ex := NewExecutor(r, ExecutorConfig{
		Users: ratelimit.NewUserLimiter(ratelimit.UserConfig{CallsPerMinute: 1, Clock: mc}),
	})

	args := map[string]any{"msg": "hi"}
	first := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"})
	if first.Error == nil || first.Error.Kind != KindUnauthenticated {
		t.Fatalf("first call = %+v, want unauthenticated", first)
	}

	second := ex.Execute(context.Background(), Call{Tool: "echo", Args: args, UserID: "u1"})
	if second.Error == nil || second.Error.Kind != KindRateLimited {
		t.Fatalf("second call = %+v, want rate_limited before auth", second)
	}
}

// TestExecutor_Execute_AuthPipeline walks a protected tool through the
// three identity states: absent (401), present without the scope (403),
// and fully entitled (200).
func TestExecutor_Execute_AuthPipeline(t *testing.T) {
	r := NewRegistry()
	protected := echoTool()
	protected.RequiresAuth = true
	protected.RequiredScopes = []string{"records:read"}
	mustRegister(t, r, protected)
	ex := NewExecutor(r, ExecutorConfig{})

	args := map[string]any{"msg": "hi"}

	res := ex.Execute(context.Background(), Call{Tool: "echo", Args: args})
	if res.Error == nil || res.Error.Kind != KindUnauthenticated || res.Status != 401 {
		t.Fatalf("anonymous call = %+v, want unauthenticated / 401", res)
	}

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "u1"})
	res = ex.Execute(ctx, Call{Tool: "echo", Args: args})
	if res.Error == nil || res.Error.Kind != KindUnauthorized || res.Status != 403 {
		t.Fatalf("unscoped call = %+v, want unauthorized / 403", res)
	}

	ctx = auth.WithIdentity(context.Background(), auth.Identity{UserID: "u1", Scopes: []string{"records:read"}})
	res = ex.Execute(ctx, Call{Tool: "echo", Args: args})
	if !res.Success {
		t.Fatalf("entitled call failed: %+v", res.Error)
	}
	if res.UserID != "u1" {
		t.Fatalf("UserID = %q, want the context identity's", res.UserID)
	}
}

// TestExecutor_Execute_TimeoutClassified invokes a handler that sleeps
// well past its tool's 100ms deadline: the caller gets a timeout result
// after ~100ms, and the concurrency slot is returned once the handler
// actually finishes.
func TestExecutor_Execute_TimeoutClassified(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:    "slow",
		Schema:  Schema{},
		Timeout: 100 * time.Millisecond,
		Handler: func(context.Context, map[string]any) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return "late", nil
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{Tool: "slow"})
	if res.Success {
		t.Fatal("slow call succeeded, want timeout")
	}
	if res.Error.Kind != KindTimeout || res.Status != 504 {
		t.Fatalf("got %s / %d, want timeout / 504", res.Error.Kind, res.Status)
	}
	if res.DurationMS < 90 || res.DurationMS > 400 {
		t.Fatalf("DurationMS = %d, want ~100 (deadline, not handler runtime)", res.DurationMS)
	}
	if m := ex.Metrics(); m.Timeouts != 1 {
		t.Fatalf("Timeouts metric = %d, want 1", m.Timeouts)
	}

	// The slot stays occupied while the abandoned handler drains.
	waitFor(t, 2*time.Second, func() bool { return ex.Active() == 0 }, "slot released after handler return")
}

// TestExecutor_Execute_CooperativeHandlerStopsAtDeadline verifies a
// well-behaved handler that watches its context is classified as a
// timeout when the deadline fires.
func TestExecutor_Execute_CooperativeHandlerStopsAtDeadline(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:    "cooperative",
		Schema:  Schema{},
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{Tool: "cooperative"})
	if res.Error == nil || res.Error.Kind != KindTimeout {
		t.Fatalf("got %+v, want timeout", res)
	}
}

// TestExecutor_Execute_HandlerSeesDeadline verifies the context handed
// to handlers carries the tool's deadline.
func TestExecutor_Execute_HandlerSeesDeadline(t *testing.T) {
	var remaining time.Duration
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:    "probe",
		Schema:  Schema{},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			dl, ok := ctx.Deadline()
			if !ok {
				return nil, errors.New("no deadline on context")
			}
			remaining = time.Until(dl)
			return nil, nil
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	if res := ex.Execute(context.Background(), Call{Tool: "probe"}); !res.Success {
		t.Fatalf("probe failed: %+v", res.Error)
	}
	if remaining < 9*time.Second || remaining > 10*time.Second {
		t.Fatalf("deadline headroom = %v, want ~10s", remaining)
	}
}

// TestExecutor_Execute_HandlerErrorClassified verifies a plain handler
// error surfaces as execution_error with the handler's message.
func TestExecutor_Execute_HandlerErrorClassified(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:   "flaky",
		Schema: Schema{},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream returned 502")
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{Tool: "flaky"})
	if res.Error == nil || res.Error.Kind != KindExecution || res.Status != 502 {
		t.Fatalf("got %+v, want execution_error / 502", res)
	}
	if res.Error.Message != "upstream returned 502" {
		t.Fatalf("Message = %q, want the handler's", res.Error.Message)
	}
}

// TestExecutor_Execute_PanicContained verifies a panicking handler
// produces an internal-fault result for its own call and nothing else:
// the panic value never reaches the caller and later calls run
// normally.
func TestExecutor_Execute_PanicContained(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:   "grenade",
		Schema: Schema{},
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("secret internal state: db=10.0.0.7")
		},
	})
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{})

	res := ex.Execute(context.Background(), Call{Tool: "grenade"})
	if res.Success {
		t.Fatal("panicking call reported success")
	}
	if res.Error.Kind != KindInternal || res.Status != 500 {
		t.Fatalf("got %s / %d, want internal / 500", res.Error.Kind, res.Status)
	}
	if res.Error.Message != "internal handler fault" {
		t.Fatalf("Message = %q, must not leak the panic value", res.Error.Message)
	}

	if res := ex.Execute(context.Background(), Call{Tool: "echo", Args: map[string]any{"msg": "still alive"}}); !res.Success {
		t.Fatalf("call after panic failed: %+v", res.Error)
	}
	if m := ex.Metrics(); m.Panics != 1 {
		t.Fatalf("Panics metric = %d, want 1", m.Panics)
	}
}

// TestExecutor_Execute_BusyAtCapacity fills every concurrency slot with
// blocked handlers and expects the next call to be refused immediately
// with Busy rather than queued.
func TestExecutor_Execute_BusyAtCapacity(t *testing.T) {
	gate := make(chan struct{})
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:   "block",
		Schema: Schema{},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-gate:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	ex := NewExecutor(r, ExecutorConfig{MaxConcurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := ex.Execute(context.Background(), Call{Tool: "block"}); !res.Success {
				t.Errorf("blocked call failed: %+v", res.Error)
			}
		}()
	}
	waitFor(t, 2*time.Second, func() bool { return ex.Active() == 2 }, "both slots occupied")

	res := ex.Execute(context.Background(), Call{Tool: "block"})
	if res.Error == nil || res.Error.Kind != KindBusy || res.Status != 503 {
		t.Fatalf("overflow call = %+v, want busy / 503", res)
	}
	if m := ex.Metrics(); m.Busy != 1 {
		t.Fatalf("Busy metric = %d, want 1", m.Busy)
	}

	close(gate)
	wg.Wait()
	waitFor(t, 2*time.Second, func() bool { return ex.Active() == 0 }, "slots drained")

	if res := ex.Execute(context.Background(), Call{Tool: "block"}); !res.Success {
		t.Fatalf("call after drain failed: %+v", res.Error)
	}
}

// TestExecutor_Execute_CallerCancellation verifies a canceled caller
// context fails the call without a success or timeout classification.
func TestExecutor_Execute_CallerCancellation(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Tool{
		Name:   "waiter",
		Schema: Schema{},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := ex.Execute(ctx, Call{Tool: "waiter"})
	if res.Success {
		t.Fatal("canceled call reported success")
	}
	if res.Error.Kind != KindExecution {
		t.Fatalf("kind = %s, want execution_error for caller cancel", res.Error.Kind)
	}
}

// TestExecutor_ExecuteBatch_ReassociatesByCallID submits a mixed batch
// and checks results arrive in input order carrying the caller's IDs,
// with IDs minted for calls that omitted one.
func TestExecutor_ExecuteBatch_ReassociatesByCallID(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{})

	results := ex.ExecuteBatch(context.Background(), []Call{
		{ID: "call-a", Tool: "echo", Args: map[string]any{"msg": "one"}},
		{ID: "call-b", Tool: "echo", Args: map[string]any{"msg": 7}},
		{Tool: "ghost"},
	})

	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	if results[0].CallID != "call-a" || !results[0].Success || results[0].Data != "one" {
		t.Fatalf("result 0 = %+v", results[0])
	}
	if results[1].CallID != "call-b" || results[1].Error == nil || results[1].Error.Kind != KindValidation {
		t.Fatalf("result 1 = %+v, want validation failure under call-b", results[1])
	}
	if results[2].Error == nil || results[2].Error.Kind != KindToolNotFound {
		t.Fatalf("result 2 = %+v, want tool_not_found", results[2])
	}
	if results[2].CallID == "" {
		t.Fatal("omitted ID was not minted")
	}
}

// TestExecutor_Hooks_ObserveEveryTerminalResult registers a collecting
// hook and checks successes and rejections both pass through it.
func TestExecutor_Hooks_ObserveEveryTerminalResult(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	ex := NewExecutor(r, ExecutorConfig{})

	var mu sync.Mutex
	var seen []Result
	ex.AddHook(func(_ context.Context, res Result) {
		mu.Lock()
		seen = append(seen, res)
		mu.Unlock()
	})

	ex.Execute(context.Background(), Call{Tool: "echo", Args: map[string]any{"msg": "ok"}})
	ex.Execute(context.Background(), Call{Tool: "nope"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("hook saw %d results, want 2", len(seen))
	}
	if !seen[0].Success || seen[1].Error == nil || seen[1].Error.Kind != KindToolNotFound {
		t.Fatalf("hook results = %+v", seen)
	}
}

// TestExecutor_Metrics_PerToolBreakdown checks the per-tool counters
// split by name and the pipeline totals line up.
func TestExecutor_Metrics_PerToolBreakdown(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, echoTool())
	mustRegister(t, r, Tool{
		Name:   "flaky",
		Schema: Schema{},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	})
	ex := NewExecutor(r, ExecutorConfig{})

	args := map[string]any{"msg": "hi"}
	ex.Execute(context.Background(), Call{Tool: "echo", Args: args})
	ex.Execute(context.Background(), Call{Tool: "echo", Args: args})
	ex.Execute(context.Background(), Call{Tool: "flaky"})

	m := ex.Metrics()
	if m.Calls != 3 || m.Successes != 2 || m.Failures != 1 {
		t.Fatalf("totals = %d/%d/%d, want 3/2/1", m.Calls, m.Successes, m.Failures)
	}
	if pt := m.PerTool["echo"]; pt.Calls != 2 || pt.Successes != 2 {
		t.Fatalf("echo counters = %+v", pt)
	}
	if pt := m.PerTool["flaky"]; pt.Calls != 1 || pt.Failures != 1 {
		t.Fatalf("flaky counters = %+v", pt)
	}
	if m.InFlight != 0 {
		t.Fatalf("InFlight = %d, want 0", m.InFlight)
	}
}
