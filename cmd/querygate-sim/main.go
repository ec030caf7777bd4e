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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"querygate/internal/gateway/breaker"
	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/engine"
	"querygate/internal/gateway/tools"
)

// flakyUpstream wraps an upstream generator and fails a configurable
// fraction of generations, so the error path and the breaker's view of
// the world get exercised without a real model behind them.
type flakyUpstream struct {
	inner    engine.UpstreamGenerator
	failRate float64
	errs     prometheus.Counter
}

func (f flakyUpstream) Generate(ctx context.Context, query string, qctx map[string]any) (engine.Generation, error) {
	// The top-level rand functions are safe for concurrent use; the
	// engine calls Generate from many flights at once.
	if f.failRate > 0 && rand.Float64() < f.failRate {
		if f.errs != nil {
			f.errs.Inc()
		}
		return engine.Generation{}, errors.New("synthetic upstream failure")
	}
	return f.inner.Generate(ctx, query, qctx)
}

func main() {
	// In plain words (what this tool does):
	//   - querygate-sim drives a synthetic query mix through an in-process
	//     engine: a token-gated cache with three-stage eviction, a circuit
	//     breaker in front of it, and a template upstream that fabricates
	//     deterministic answers (and the occasional tool call) per query.
	//   - Repeated queries hit the cache; fresh ones go upstream, get
	//     padded up to the token floor if they come back short, and are
	//     stored for next time. A skewed key distribution makes the mix
	//     realistic: a few hot queries, a long tail of cold ones.
	//
	// What to look for in metrics and logs:
	//   - querygate_sim_cache_hits_total vs _misses_total: the hit rate
	//     should climb as the hot keys land in the cache.
	//   - querygate_sim_padded_total: how often the upstream came back
	//     under the token floor.
	//   - querygate_sim_tool_calls_total / _tool_failures_total: tool
	//     dispatch outcomes for answers that carried calls.
	//   - querygate_sim_upstream_errors_total with -fail_rate > 0: the
	//     engine degrades per query, it never caches a failure.
	//   - The final log line prints the store's own counters (entries,
	//     evictions by stage, memory pressure) for cross-checking.
	//
	// Usage (quick start):
	//   go run ./cmd/querygate-sim -qps 500 -keys 200 -zipf_s 1.2 \
	//       -min_tokens 300 -max_size_bytes 2097152 -duration 60s
	//   - Observe metrics at GET /metrics (Prometheus exposition).
	//   - Optional: GET /query?q=... to inject a single query manually.
	//
	// Cache and engine flags
	minTokens := flag.Int("min_tokens", 500, "token floor for caching; shorter answers are padded")
	maxSizeBytes := flag.Int64("max_size_bytes", 10<<20, "cache capacity in bytes")
	ttl := flag.Duration("ttl", time.Hour, "cache entry lifetime")
	pressure := flag.Float64("pressure_threshold", 0.80, "memory pressure that triggers preemptive cleanup")
	emergency := flag.Float64("emergency_target", 0.70, "fraction of capacity emergency eviction drains to")
	sweep := flag.Duration("sweep", time.Minute, "maintenance sweep cadence")
	failureThreshold := flag.Int("failure_threshold", 5, "consecutive cache faults that open the breaker")

	// Upstream flags
	upLatency := flag.Duration("latency", 5*time.Millisecond, "simulated generation latency")
	failRate := flag.Float64("fail_rate", 0, "probability a generation fails (0..1)")
	minWords := flag.Int("min_words", 20, "shortest fabricated answer, in words")
	maxWords := flag.Int("max_words", 240, "longest fabricated answer, in words")

	// Simulation flags
	keys := flag.Int("keys", 500, "number of distinct queries in the mix")
	zipfS := flag.Float64("zipf_s", 1.2, "zipf skew of the query mix; <=1 means uniform")
	qps := flag.Int("qps", 200, "target queries per second")
	workers := flag.Int("workers", 32, "concurrent in-flight queries")
	queryTimeout := flag.Duration("query_timeout", 10*time.Second, "per-query deadline")
	httpAddr := flag.String("http", ":8081", "HTTP listen for /metrics and /query")
	duration := flag.Duration("duration", 30*time.Second, "run duration; 0 for forever")
	flag.Parse()

	// Clamp ranges so a stray flag value cannot wedge the run.
	if *minTokens <= 0 {
		*minTokens = 500
	}
	if *maxSizeBytes < 1024 {
		*maxSizeBytes = 10 << 20
	}
	if *keys <= 0 {
		*keys = 500
	}
	if *qps <= 0 {
		*qps = 200
	}
	if *workers <= 0 {
		*workers = 32
	}
	if *failRate < 0 {
		*failRate = 0
	}
	if *failRate > 1 {
		*failRate = 1
	}
	if *duration < 0 {
		*duration = 0
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Metrics setup
	reg := prometheus.DefaultRegisterer

	queriesTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_queries_total", Help: "Queries submitted"})
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_cache_hits_total", Help: "Queries answered from cache"})
	misses := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_cache_misses_total", Help: "Queries that went upstream"})
	padded := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_padded_total", Help: "Answers padded up to the token floor"})
	stored := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_stored_total", Help: "Answers accepted into the cache"})
	upstreamErrs := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_upstream_errors_total", Help: "Synthetic generation failures"})
	toolCalls := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_tool_calls_total", Help: "Tool calls dispatched from answers"})
	toolFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_tool_failures_total", Help: "Tool calls that did not succeed"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "querygate_sim_dropped_total", Help: "Queries skipped because all workers were busy"})
	querySeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "querygate_sim_query_seconds",
		Help:    "End-to-end query latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	reg.MustRegister(queriesTotal, hits, misses, padded, stored, upstreamErrs, toolCalls, toolFailures, dropped, querySeconds)

	// Engine wiring: store + worker, breaker, resilient wrapper, a
	// registry with the echo tool the template upstream targets, and
	// the flaky upstream itself.
	store := cache.NewStore(cache.Config{
		MinTokens:         *minTokens,
		MaxSizeBytes:      *maxSizeBytes,
		TTL:               *ttl,
		PressureThreshold: *pressure,
		EmergencyTarget:   *emergency,
		Logger:            logger,
	})
	worker := cache.NewWorker(store, *sweep, logger)
	worker.Start()
	defer worker.Stop()

	br := breaker.New(breaker.Config{FailureThreshold: *failureThreshold, Logger: logger})
	resilient := cache.NewResilient(store, br, logger)

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Tool{
		Name:   "echo",
		Schema: tools.Schema{Params: map[string]tools.Param{"msg": {Type: tools.TypeString, Required: true}}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}); err != nil {
		log.Fatalf("register echo: %v", err)
	}
	exec := tools.NewExecutor(registry, tools.ExecutorConfig{Logger: logger})

	upstream := flakyUpstream{
		inner: &engine.TemplateUpstream{
			MinWords: *minWords,
			MaxWords: *maxWords,
			Latency:  *upLatency,
			EmitTool: "echo",
		},
		failRate: *failRate,
		errs:     upstreamErrs,
	}
	eng := engine.New(resilient, upstream, exec, engine.Config{MinTokens: *minTokens, Logger: logger})

	runOne := func(q string) {
		queriesTotal.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), *queryTimeout)
		defer cancel()
		start := time.Now()
		resp, err := eng.Answer(ctx, q, nil)
		querySeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			return
		}
		if resp.Cached {
			hits.Inc()
		} else {
			misses.Inc()
		}
		if resp.Padded {
			padded.Inc()
		}
		if resp.Stored {
			stored.Inc()
		}
		for _, tr := range resp.ToolResults {
			toolCalls.Inc()
			if !tr.Success {
				toolFailures.Inc()
			}
		}
	}

	// HTTP for metrics plus a manual injection endpoint.
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing q parameter", 400)
			return
		}
		resp, err := eng.Answer(r.Context(), q, nil)
		if err != nil {
			http.Error(w, err.Error(), 502)
			return
		}
		fmt.Fprintf(w, "cached=%v padded=%v tokens=%d elapsed=%s\n", resp.Cached, resp.Padded, resp.TokenCount, resp.Elapsed)
	})
	go func() {
		log.Printf("querygate-sim listening on %s", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, nil); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	// Worker pool: the generator never blocks on a slow query, it
	// counts a drop instead so configured qps stays honest.
	work := make(chan string, *workers)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q := range work {
				runOne(q)
			}
		}()
	}

	// Generator loop. Sub-millisecond tickers are unreliable, so above
	// 1000 qps we batch multiple submissions per 1ms tick.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var zipf *rand.Zipf
	if *zipfS > 1 && *keys > 1 {
		zipf = rand.NewZipf(rng, *zipfS, 1, uint64(*keys-1))
	}
	nextKey := func() int {
		if zipf != nil {
			return int(zipf.Uint64())
		}
		return rng.Intn(*keys)
	}

	tick := time.Millisecond
	perTick := *qps / 1000
	if perTick < 1 {
		perTick = 1
		tick = time.Second / time.Duration(*qps)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for i := 0; i < perTick; i++ {
					q := fmt.Sprintf("explain topic %d like i am new to it", nextKey())
					select {
					case work <- q:
					default:
						dropped.Inc()
					}
				}
			}
		}
	}()

	// Handle termination
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var endTimer <-chan time.Time
	if *duration > 0 {
		endTimer = time.After(*duration)
	}
	select {
	case <-sigCh:
	case <-endTimer:
	}
	close(stop)
	close(work)
	wg.Wait()

	m := store.Metrics()
	log.Printf("final cache state: entries=%d size=%dB hit_rate=%.2f stores=%d expirations=%d evictions(intelligent=%d emergency=%d) rejected_too_small=%d pressure=%.2f breaker=%s",
		m.Entries, m.SizeBytes, m.HitRate, m.Stores, m.Expirations,
		m.EvictionsIntelligent, m.EvictionsEmergency, m.RejectedTooSmall,
		m.MemoryPressure, br.State())
}
