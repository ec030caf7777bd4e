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

package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/clock"
	"querygate/pkg/tokens"
)

// TestWarm_PopulatesCache verifies a warming run adds entries through
// the normal path and that a rerun finds them hot.
func TestWarm_PopulatesCache(t *testing.T) {
	up := &fakeUpstream{}
	eng, store := testEngine(t, up, nil)
	seeds := []string{"how do indexes work", "what is a WAL", "explain mvcc"}

	report := eng.Warm(context.Background(), seeds, nil, WarmOptions{})
	if report.Attempted != 3 || report.Succeeded != 3 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.EntriesAdded != 3 {
		t.Fatalf("entries added = %d, want 3", report.EntriesAdded)
	}
	if report.TokensAdded <= 0 {
		t.Fatalf("tokens added = %d", report.TokensAdded)
	}
	if m := store.Metrics(); m.Entries != 3 {
		t.Fatalf("store holds %d entries after warming, want 3", m.Entries)
	}

	rerun := eng.Warm(context.Background(), seeds, nil, WarmOptions{})
	if rerun.Succeeded != 3 || rerun.EntriesAdded != 0 {
		t.Fatalf("rerun = %+v, want 3 hits and nothing added", rerun)
	}
	if up.callCount() != 3 {
		t.Fatalf("upstream generated %d times across both runs, want 3", up.callCount())
	}
}

// TestWarm_AdaptiveDoublesBudgetWhenColdAndRoomy verifies the adaptive
// rule spends extra budget on a cold, mostly-empty cache.
func TestWarm_AdaptiveDoublesBudgetWhenColdAndRoomy(t *testing.T) {
	up := &fakeUpstream{}
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := cache.NewStore(cache.Config{
		MinTokens:    10,
		MaxSizeBytes: 1 << 20,
		TTL:          time.Hour,
		Clock:        mc,
		Logger:       zap.NewNop(),
	})
	eng := New(cache.NewResilient(store, nil, zap.NewNop()), up, nil, Config{
		MinTokens: 10,
		Adaptive:  true,
		Clock:     mc,
		Logger:    zap.NewNop(),
	})

	var seeds []string
	for i := 0; i < 6; i++ {
		seeds = append(seeds, fmt.Sprintf("seed query %d", i))
	}
	report := eng.Warm(context.Background(), seeds, nil, WarmOptions{MaxQueries: 2})
	if report.Budget != 4 || report.Attempted != 4 {
		t.Fatalf("cold cache budget = %d attempted = %d, want 4 and 4", report.Budget, report.Attempted)
	}
}

// TestWarm_AdaptiveCapsBudgetUnderPressure verifies warming backs off
// hard when the cache is nearly full.
func TestWarm_AdaptiveCapsBudgetUnderPressure(t *testing.T) {
	up := &fakeUpstream{}
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := cache.NewStore(cache.Config{
		MinTokens:    10,
		MaxSizeBytes: 4096,
		TTL:          time.Hour,
		Clock:        mc,
		Logger:       zap.NewNop(),
	})
	// Push memory pressure past 0.8 before warming.
	if _, err := store.Store("occupant", []byte(strings.Repeat("x", 3500)), "v1"); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if m := store.Metrics(); m.MemoryPressure <= 0.8 {
		t.Fatalf("setup pressure = %.2f, want > 0.8", m.MemoryPressure)
	}

	eng := New(cache.NewResilient(store, nil, zap.NewNop()), up, nil, Config{
		MinTokens: 10,
		Adaptive:  true,
		Clock:     mc,
		Logger:    zap.NewNop(),
	})
	var seeds []string
	for i := 0; i < 30; i++ {
		seeds = append(seeds, fmt.Sprintf("seed query %d", i))
	}
	report := eng.Warm(context.Background(), seeds, nil, WarmOptions{MaxQueries: 20})
	if report.Budget != 10 || report.Attempted != 10 {
		t.Fatalf("pressured budget = %d attempted = %d, want 10 and 10", report.Budget, report.Attempted)
	}
}

// TestWarm_CountsFailures verifies one bad seed neither stops the run
// nor inflates the success count.
func TestWarm_CountsFailures(t *testing.T) {
	up := &fakeUpstream{fn: func(query string) (Generation, error) {
		if strings.Contains(query, "poison") {
			return Generation{}, errors.New("upstream refused")
		}
		return Generation{Content: strings.Repeat("fine answer ", 10)}, nil
	}}
	eng, _ := testEngine(t, up, nil)

	report := eng.Warm(context.Background(),
		[]string{"good one", "poison pill", "good two"}, nil, WarmOptions{})
	if report.Attempted != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.EntriesAdded != 2 {
		t.Fatalf("entries added = %d, want 2", report.EntriesAdded)
	}
}

// TestWarmList_OrderAndDedupe pins the candidate ordering: seeds keep
// their order, patterns follow by descending frequency, duplicates
// warm once.
func TestWarmList_OrderAndDedupe(t *testing.T) {
	got := warmList(
		[]string{"seed a", "seed b", "seed a", ""},
		[]Pattern{
			{Query: "rare", Frequency: 1},
			{Query: "common", Frequency: 90},
			{Query: "seed b", Frequency: 50}, // already seeded
			{Query: "middling", Frequency: 10},
		},
	)
	want := []string{"seed a", "seed b", "common", "middling", "rare"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("warm list = %v, want %v", got, want)
	}
}

// TestWarm_PatternsBeyondBudgetAreSkipped verifies the budget trims
// the tail of the merged list, not the head.
func TestWarm_PatternsBeyondBudgetAreSkipped(t *testing.T) {
	up := &fakeUpstream{}
	eng, store := testEngine(t, up, nil)

	report := eng.Warm(context.Background(),
		[]string{"priority seed"},
		[]Pattern{
			{Query: "hot pattern", Frequency: 100},
			{Query: "cold pattern", Frequency: 1},
		},
		WarmOptions{MaxQueries: 2})
	if report.Attempted != 2 {
		t.Fatalf("attempted = %d, want 2", report.Attempted)
	}
	if m := store.Metrics(); m.Entries != 2 {
		t.Fatalf("store holds %d entries, want 2 (seed + hottest pattern)", m.Entries)
	}

	// The hottest pattern made the cut; the cold one did not.
	if _, err := store.Get(tokens.Fingerprint("hot pattern")); err != nil {
		t.Fatalf("hot pattern not warmed: %v", err)
	}
	if _, err := store.Get(tokens.Fingerprint("cold pattern")); err == nil {
		t.Fatal("cold pattern warmed despite the budget")
	}
}

// TestPeriodicWarmer_RunsImmediatelyAndStops verifies the first warm
// fires on Start without waiting for a tick, and that Stop is
// idempotent.
func TestPeriodicWarmer_RunsImmediatelyAndStops(t *testing.T) {
	up := &fakeUpstream{}
	eng, store := testEngine(t, up, nil)
	seeds := []string{"seed one", "seed two"}

	pw := NewPeriodicWarmer(eng, seeds, nil, WarmOptions{}, time.Hour, zap.NewNop())
	pw.Start()

	deadline := time.Now().Add(2 * time.Second)
	for store.Metrics().Entries < len(seeds) {
		if time.Now().After(deadline) {
			t.Fatalf("initial warm never completed: %d entries", store.Metrics().Entries)
		}
		time.Sleep(5 * time.Millisecond)
	}

	pw.Stop()
	pw.Stop()

	if up.callCount() != len(seeds) {
		t.Fatalf("upstream saw %d generations, want %d", up.callCount(), len(seeds))
	}
}

// blockingUpstream parks every generation until its context is
// canceled, to prove Stop aborts an in-flight warm.
type blockingUpstream struct {
	started chan struct{}
}

func (b *blockingUpstream) Generate(ctx context.Context, _ string, _ map[string]any) (Generation, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return Generation{}, ctx.Err()
}

// TestPeriodicWarmer_StopAbortsInFlightRun verifies Stop does not wait
// out a stuck upstream: the run's context is canceled and Stop
// returns promptly.
func TestPeriodicWarmer_StopAbortsInFlightRun(t *testing.T) {
	up := &blockingUpstream{started: make(chan struct{}, 1)}
	eng, _ := testEngine(t, up, nil)

	pw := NewPeriodicWarmer(eng, []string{"stuck query"}, nil, WarmOptions{}, time.Hour, zap.NewNop())
	pw.Start()
	<-up.started

	done := make(chan struct{})
	go func() {
		pw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight warm run")
	}
}
