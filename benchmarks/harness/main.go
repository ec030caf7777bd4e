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

// The eviction sweep harness replays one synthetic access trace against a
// grid of cache stores that differ only in their eviction weights: alpha
// scales recency, beta scales access frequency. It reports the hit rate each
// weighting achieved on the same trace, so the defaults can be chosen from
// data instead of taste.
//
// The trace has three ingredients that pull the weights in different
// directions:
//   - a zipf-skewed popular set (frequency should protect these),
//   - a hot set that rotates every -phase_every ops (recency must notice),
//   - one-off scan queries that never repeat (pure recency caches them
//     eagerly and evicts something useful to do it).
//
// Usage:
//
//	go run ./benchmarks/harness -alphas 0,0.5,1,2 -betas 0,0.5,1 \
//	    -ops 200000 -entries 2000 -capacity_entries 400 -scan_pct 10
//
// Each combination prints a human line and a machine-readable Summary line;
// the run ends with a table sorted by hit rate and a Best line.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/clock"
)

// result is one grid cell: the weights and what they scored.
type result struct {
	alpha, beta float64
	hits        int64
	misses      int64
	hitRate     float64
	evictions   int64
	emergency   int64
	expirations int64
	elapsed     time.Duration
}

func main() {
	var (
		alphasStr = flag.String("alphas", "0,0.5,1,2", "comma-separated recency weights to sweep")
		betasStr  = flag.String("betas", "0,0.25,0.5,1", "comma-separated frequency weights to sweep")

		ops       = flag.Int("ops", 200_000, "accesses in the trace")
		entries   = flag.Int("entries", 2_000, "distinct popular queries")
		capacityN = flag.Int("capacity_entries", 400, "cache capacity, in whole entries")
		tokens    = flag.Int("answer_tokens", 600, "token size of every synthetic answer")
		zipfS     = flag.Float64("zipf_s", 1.1, "popularity skew of the trace (>1)")
		phaseOps  = flag.Int("phase_every", 50_000, "rotate the hot set every N ops; 0 disables")
		scanPct   = flag.Int("scan_pct", 10, "percentage of one-off scan queries [0..100]")
		ttl       = flag.Duration("ttl", 24*time.Hour, "entry lifetime during replay")
		step      = flag.Duration("step", 10*time.Millisecond, "manual clock advance per access")
		seed      = flag.Int64("seed", 1, "PRNG seed; the whole grid replays one trace")
	)
	flag.Parse()

	alphas, err := parseWeights(*alphasStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-alphas: %v\n", err)
		os.Exit(2)
	}
	betas, err := parseWeights(*betasStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-betas: %v\n", err)
		os.Exit(2)
	}
	if *ops <= 0 || *entries <= 1 || *capacityN <= 0 || *tokens <= 0 {
		fmt.Fprintln(os.Stderr, "-ops, -capacity_entries and -answer_tokens must be > 0; -entries must be > 1")
		os.Exit(2)
	}
	if *scanPct < 0 {
		*scanPct = 0
	}
	if *scanPct > 100 {
		*scanPct = 100
	}
	if *zipfS <= 1 {
		*zipfS = 1.1
	}

	trace := buildTrace(*ops, *entries, *zipfS, *phaseOps, *scanPct, *seed)

	// Every answer is the same 4*tokens bytes, and the store accounts
	// exactly len(content) per entry, so capacity in entries converts
	// to bytes without slack.
	content := strings.Repeat("word", *tokens)
	maxSize := int64(*capacityN) * int64(len(content))

	fmt.Printf("Sweep: ops=%s entries=%d capacity=%d entries (%s) zipf_s=%.2f phase_every=%d scan_pct=%d%%\n",
		humanInt(int64(*ops)), *entries, *capacityN, humanBytes(uint64(maxSize)), *zipfS, *phaseOps, *scanPct)

	results := make([]result, 0, len(alphas)*len(betas))
	for _, a := range alphas {
		for _, b := range betas {
			r := replay(trace, []byte(content), maxSize, *tokens, *ttl, *step, a, b)
			results = append(results, r)
			fmt.Printf("alpha=%.2f beta=%.2f  hit_rate=%.4f  hits=%s misses=%s evictions=%s emergency=%s expirations=%s  (%s)\n",
				r.alpha, r.beta, r.hitRate,
				humanInt(r.hits), humanInt(r.misses), humanInt(r.evictions), humanInt(r.emergency), humanInt(r.expirations),
				r.elapsed.Round(time.Millisecond))
			fmt.Printf("Summary: alpha=%g beta=%g ops=%d hits=%d misses=%d hit_rate=%.6f evictions_intelligent=%d evictions_emergency=%d expirations=%d elapsed_ns=%d\n",
				r.alpha, r.beta, *ops, r.hits, r.misses, r.hitRate, r.evictions, r.emergency, r.expirations, r.elapsed.Nanoseconds())
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].hitRate > results[j].hitRate })
	fmt.Println("\nRanked by hit rate:")
	fmt.Println("  alpha   beta   hit_rate   evictions")
	for _, r := range results {
		fmt.Printf("  %5.2f  %5.2f   %.4f     %s\n", r.alpha, r.beta, r.hitRate, humanInt(r.evictions))
	}
	best := results[0]
	fmt.Printf("Best: alpha=%g beta=%g hit_rate=%.6f\n", best.alpha, best.beta, best.hitRate)
}

// buildTrace pre-generates the access sequence so every grid cell sees
// byte-identical load. Fingerprints are synthetic; the store never
// inspects them.
func buildTrace(ops, entries int, zipfS float64, phaseOps, scanPct int, seed int64) []string {
	rng := rand.New(rand.NewSource(seed))
	zipf := rand.NewZipf(rng, zipfS, 1, uint64(entries-1))

	// Rotating the hot set by a co-prime-ish stride remaps which keys
	// are popular without changing the popularity shape.
	stride := entries/5 + 1

	trace := make([]string, ops)
	phase := 0
	for i := 0; i < ops; i++ {
		if phaseOps > 0 && i > 0 && i%phaseOps == 0 {
			phase++
		}
		if scanPct > 0 && rng.Intn(100) < scanPct {
			trace[i] = "scan-" + strconv.Itoa(i)
			continue
		}
		idx := (int(zipf.Uint64()) + phase*stride) % entries
		trace[i] = "q-" + strconv.Itoa(idx)
	}
	return trace
}

// replay runs the trace against a fresh store built with the given
// weights. The manual clock advances a fixed step per access so recency
// and TTL behave identically across cells.
func replay(trace []string, content []byte, maxSize int64, tokens int, ttl, step time.Duration, alpha, beta float64) result {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := cache.NewStore(cache.Config{
		MinTokens:       1,
		MaxSizeBytes:    maxSize,
		TTL:             ttl,
		RecencyWeight:   alpha,
		FrequencyWeight: beta,
		Clock:           clk,
		Logger:          zap.NewNop(),
	})

	start := time.Now()
	for _, fp := range trace {
		clk.Advance(step)
		if _, err := store.Get(fp); err == nil {
			continue
		}
		// Misses are stored unconditionally, like the engine does after
		// a generation; the store's own gate decides what sticks.
		_, _ = store.Store(fp, content, store.Version())
	}
	elapsed := time.Since(start)

	m := store.Metrics()
	return result{
		alpha:       alpha,
		beta:        beta,
		hits:        m.Hits,
		misses:      m.Misses,
		hitRate:     m.HitRate,
		evictions:   m.EvictionsIntelligent,
		emergency:   m.EvictionsEmergency,
		expirations: m.Expirations,
		elapsed:     elapsed,
	}
}

func parseWeights(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("bad weight %q", part)
		}
		if v < 0 {
			return nil, fmt.Errorf("weight %q is negative", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no weights given")
	}
	return out, nil
}

func humanInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := ""
	if strings.HasPrefix(s, "-") {
		neg = "-"
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i != 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return neg + string(out)
}

func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	d := float64(b)
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	i := 0
	for d >= unit && i < len(units)-1 {
		d /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", d, units[i])
}
