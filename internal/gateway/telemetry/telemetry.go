// Package telemetry provides opt-in, low-overhead instrumentation for the
// gateway's cache, breaker, limiter, and tool pipeline. It is designed to be
// safe to call from hot paths: when disabled, all public functions are
// no-ops and cost one atomic load.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config controls the telemetry module.
//
// Notes:
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server that serves
//     /metrics. If you already expose Prometheus elsewhere, leave it empty
//     and register promhttp yourself.
//   - LogInterval drives the exporter summary loop (see exporter.go). If
//     LogInterval == 0, the loop is disabled.
//   - HitLatencyTarget / MissLatencyTarget are advisory: when a window's
//     average exceeds a target the summary is logged at Warn instead of Info.
type Config struct {
	Enabled           bool
	MetricsAddr       string        // e.g., ":9090". Empty to disable standalone metrics endpoint
	LogInterval       time.Duration // e.g., 1*time.Minute; 0 disables exporter logging
	HitLatencyTarget  time.Duration // advisory target for cache hit latency
	MissLatencyTarget time.Duration // advisory target for cache miss latency
	Logger            *zap.Logger   // summary destination; zap.NewNop() if nil
}

var (
	modEnabled atomic.Bool

	// Prometheus metrics — bounded label cardinality only: stages, kinds and
	// statuses are closed sets, tool names are bounded by the registry.
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_hits_total",
		Help: "Total cache lookups answered from a live entry",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_misses_total",
		Help: "Total cache lookups that found no live entry",
	})
	cacheStoresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_stores_total",
		Help: "Total entries admitted into the cache",
	})
	cacheRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_rejected_total",
		Help: "Store or read rejections by kind (content_too_small, version_mismatch, full, corrupt)",
	}, []string{"kind"})
	cacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_evictions_total",
		Help: "Entries removed by the eviction ladder, labeled by stage (expired, intelligent, emergency)",
	}, []string{"stage"})
	cacheInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_cache_invalidations_total",
		Help: "Entries removed by explicit invalidation",
	})
	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_cache_entries",
		Help: "Entries currently resident in the cache",
	})
	cacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_cache_size_bytes",
		Help: "Total bytes accounted to resident entries",
	})
	cacheMemoryPressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_cache_memory_pressure",
		Help: "total_size_bytes / maxSizeBytes",
	})
	cacheHitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "querygate_cache_hit_latency_seconds",
		Help:    "Latency of cache lookups that hit",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.048, 0.1, 0.14, 0.25, 0.5, 1},
	})
	cacheMissLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "querygate_cache_miss_latency_seconds",
		Help:    "Latency of cache lookups that missed",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.048, 0.1, 0.14, 0.25, 0.5, 1},
	})
	cacheDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_degraded_total",
		Help: "Cache calls answered by a breaker fallback instead of the store, by operation",
	}, []string{"op"})
	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"from", "to"})
	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_breaker_state",
		Help: "Current breaker state (0=closed, 1=half_open, 2=open)",
	})
	toolCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_tool_calls_total",
		Help: "Tool executions by tool name and terminal status",
	}, []string{"tool", "status"})
	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_tool_duration_seconds",
		Help:    "Wall time of tool handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_rate_limited_total",
		Help: "Calls denied by a rate limiter, by scope (user, global)",
	}, []string{"scope"})
	warmedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_warmed_total",
		Help: "Cache warming attempts by outcome",
	}, []string{"outcome"})
	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_audit_dropped_total",
		Help: "Audit events dropped because the recorder queue was full",
	})
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_query_latency_seconds",
		Help:    "End-to-end answer latency by result",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.048, 0.1, 0.14, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"result"})
)

func init() {
	// Register eagerly. If no Prometheus endpoint is exposed, registration is
	// harmless.
	prometheus.MustRegister(
		cacheHitsTotal, cacheMissesTotal, cacheStoresTotal, cacheRejectedTotal,
		cacheEvictionsTotal, cacheInvalidationsTotal, cacheEntries, cacheSizeBytes,
		cacheMemoryPressure, cacheHitLatency, cacheMissLatency, cacheDegradedTotal,
		breakerTransitionsTotal, breakerState, toolCallsTotal, toolDuration,
		rateLimitedTotal, warmedTotal, auditDroppedTotal, queryLatency,
	)
}

// Enable configures the module. Safe to call multiple times; subsequent
// calls replace the config and restart the exporter loop.
func Enable(cfg Config) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	modEnabled.Store(cfg.Enabled)

	startOrUpdateExporter(cfg)

	if cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the telemetry module is active.
func Enabled() bool { return modEnabled.Load() }

// ObserveCacheHit records one lookup answered from the cache.
func ObserveCacheHit(latency time.Duration) {
	if !modEnabled.Load() {
		return
	}
	cacheHitsTotal.Inc()
	cacheHitLatency.Observe(latency.Seconds())
	winHits.Add(1)
	winHitLatNanos.Add(int64(latency))
}

// ObserveCacheMiss records one lookup that found nothing live.
func ObserveCacheMiss(latency time.Duration) {
	if !modEnabled.Load() {
		return
	}
	cacheMissesTotal.Inc()
	cacheMissLatency.Observe(latency.Seconds())
	winMisses.Add(1)
	winMissLatNanos.Add(int64(latency))
}

// ObserveCacheStore records one admitted entry.
func ObserveCacheStore(tokenCount int) {
	if !modEnabled.Load() {
		return
	}
	cacheStoresTotal.Inc()
	winStores.Add(1)
}

// ObserveCacheRejected records a store/read rejection by kind.
func ObserveCacheRejected(kind string) {
	if !modEnabled.Load() || kind == "" {
		return
	}
	cacheRejectedTotal.WithLabelValues(kind).Inc()
}

// ObserveEviction records n entries removed by one eviction stage.
func ObserveEviction(stage string, n int) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(stage).Add(float64(n))
	winEvictions.Add(int64(n))
}

// ObserveInvalidation records n entries removed by explicit invalidation.
func ObserveInvalidation(n int) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	cacheInvalidationsTotal.Add(float64(n))
}

// SetCacheGauges publishes the store's current occupancy. Called by the
// maintenance worker once per cycle, never from the hot path.
func SetCacheGauges(entries int, sizeBytes int64, pressure float64) {
	if !modEnabled.Load() {
		return
	}
	cacheEntries.Set(float64(entries))
	cacheSizeBytes.Set(float64(sizeBytes))
	cacheMemoryPressure.Set(pressure)
	gaugeEntries.Store(int64(entries))
	gaugeSize.Store(sizeBytes)
	gaugePressureMilli.Store(int64(pressure * 1000))
}

// ObserveDegraded records one cache call answered by a breaker fallback.
func ObserveDegraded(op string) {
	if !modEnabled.Load() {
		return
	}
	cacheDegradedTotal.WithLabelValues(op).Inc()
	winDegraded.Add(1)
}

// ObserveBreakerTransition records a state change and updates the state
// gauge. state is the numeric encoding of the new state.
func ObserveBreakerTransition(from, to string, state int32) {
	if !modEnabled.Load() {
		return
	}
	breakerTransitionsTotal.WithLabelValues(from, to).Inc()
	breakerState.Set(float64(state))
}

// ObserveToolCall records one terminal tool execution outcome.
func ObserveToolCall(tool, status string, d time.Duration) {
	if !modEnabled.Load() {
		return
	}
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	winToolCalls.Add(1)
}

// ObserveRateLimited records one denial by the user or global limiter.
func ObserveRateLimited(scope string) {
	if !modEnabled.Load() {
		return
	}
	rateLimitedTotal.WithLabelValues(scope).Inc()
	winRateLimited.Add(1)
}

// ObserveWarmed records one warming attempt outcome.
func ObserveWarmed(ok bool) {
	if !modEnabled.Load() {
		return
	}
	if ok {
		warmedTotal.WithLabelValues("succeeded").Inc()
	} else {
		warmedTotal.WithLabelValues("failed").Inc()
	}
}

// ObserveAuditDrop records n audit events lost to queue overflow.
func ObserveAuditDrop(n int) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	auditDroppedTotal.Add(float64(n))
}

// ObserveQuery records one end-to-end answer.
func ObserveQuery(hit bool, d time.Duration) {
	if !modEnabled.Load() {
		return
	}
	if hit {
		queryLatency.WithLabelValues("hit").Observe(d.Seconds())
	} else {
		queryLatency.WithLabelValues("miss").Observe(d.Seconds())
	}
}

// startMetricsEndpoint exposes /metrics on the given addr in a background
// goroutine. Safe to call multiple times; only one server per unique addr
// will be started (best-effort).
func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
