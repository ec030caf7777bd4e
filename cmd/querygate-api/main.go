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

// Package main provides the entry point for the querygate API service.
//
// The service answers natural-language queries through a token-gated
// response cache with a circuit breaker in front of it, executes tool
// calls through a validated, rate-limited pipeline, and exposes the
// whole thing over HTTP.
//
// This file is responsible for orchestrating the service:
//  1. Resolving configuration (flag table, optionally overlaid on a
//     YAML file; explicitly-set flags win).
//  2. Initializing the core components (store, breaker, registry,
//     executor, engine) and their background workers.
//  3. Starting the API server to handle live traffic.
//  4. Managing graceful shutdown so queued audit events and in-flight
//     requests are not lost.
//
// To poke it manually once running:
//
//	curl -s localhost:8080/v1/query -d '{"query":"what is querygate"}'
//	curl -s localhost:8080/v1/tools/execute -d '{"tool":"echo","args":{"msg":"hi"},"user_id":"alice"}'
//	curl -s localhost:8080/v1/cache/metrics
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver for the audit sink
	"go.uber.org/zap"

	"querygate/internal/gateway/api"
	"querygate/internal/gateway/audit"
	"querygate/internal/gateway/auth"
	"querygate/internal/gateway/breaker"
	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/config"
	"querygate/internal/gateway/engine"
	"querygate/internal/gateway/ratelimit"
	"querygate/internal/gateway/telemetry"
	"querygate/internal/gateway/tools"
	"querygate/internal/gateway/tracing"
)

func main() {
	// 1. Parse configuration flags. Defaults come from config.Default()
	// so the flag table, the YAML file and the docs agree on one set of
	// numbers. When -config is given the file is loaded first and
	// explicitly-set flags are re-applied over it.
	def := config.Default()

	configPath := flag.String("config", "", "Path to a YAML config file; explicitly-set flags override its values")
	devLogging := flag.Bool("dev_logging", false, "Human-readable console logging instead of production JSON")

	httpAddr := flag.String("http_addr", def.HTTPAddr, "HTTP listen address (e.g., :8080)")
	shutdownGrace := flag.Int("shutdown_grace_seconds", def.ShutdownGraceSeconds, "Seconds to wait for in-flight requests on shutdown")

	cacheVersion := flag.String("cache_version", def.Cache.Version, "Cache namespace version; bump it to make every old entry invisible")
	minTokens := flag.Int("min_tokens", def.Cache.MinTokens, "Token floor below which responses are padded before caching")
	maxSizeBytes := flag.Int64("max_size_bytes", def.Cache.MaxSizeBytes, "Cache capacity in bytes")
	ttlSeconds := flag.Int("ttl_seconds", def.Cache.TTLSeconds, "Cache entry lifetime in seconds")
	pressureThreshold := flag.Float64("pressure_threshold", def.Cache.PressureThreshold, "Memory pressure (0..1) that triggers preemptive cleanup")
	emergencyTarget := flag.Float64("emergency_target", def.Cache.EmergencyTarget, "Fraction of capacity emergency eviction drains down to")
	recencyWeight := flag.Float64("recency_weight", def.Cache.RecencyWeight, "Weight of recency in the eviction score")
	frequencyWeight := flag.Float64("frequency_weight", def.Cache.FrequencyWeight, "Weight of access frequency in the eviction score")
	baselineTokens := flag.Int("baseline_tokens", def.Cache.BaselineTokens, "Cost model: tokens a cache miss would have spent upstream")
	tokenCost := flag.Float64("token_cost", def.Cache.TokenCost, "Cost model: currency per token; 0 disables the savings figure")
	sweepInterval := flag.Int("sweep_interval_seconds", def.Cache.SweepIntervalSeconds, "Cache maintenance sweep cadence in seconds")

	failureThreshold := flag.Int("failure_threshold", def.Breaker.FailureThreshold, "Consecutive cache faults that open the breaker")
	successThreshold := flag.Int("success_threshold", def.Breaker.SuccessThreshold, "Consecutive probe successes that close it again")
	breakerTimeout := flag.Float64("breaker_timeout_seconds", def.Breaker.TimeoutSeconds, "OPEN cool-down before recovery probes, in seconds")
	rollingWindow := flag.Float64("rolling_window_seconds", def.Breaker.RollingWindowSeconds, "Failure-rate window, in seconds")
	rateThreshold := flag.Float64("rate_threshold", def.Breaker.RateThreshold, "Windowed failure rate that also opens the breaker; 0 disables")
	minWindowSamples := flag.Int("min_window_samples", def.Breaker.MinWindowSamples, "Outcomes required before the rate trip applies")
	recoveryFactor := flag.Float64("recovery_factor", def.Breaker.RecoveryFactor, "Fraction of HALF_OPEN arrivals admitted as probes (0..1]")

	maxConcurrency := flag.Int("max_concurrency", def.Executor.MaxConcurrency, "Tool handler invocations allowed in flight")
	defaultTimeoutMS := flag.Int("default_timeout_ms", def.Executor.DefaultTimeoutMs, "Per-call deadline for tools that declare none, in milliseconds")

	rateLimitEnabled := flag.Bool("rate_limit_enabled", def.RateLimit.Enabled, "Enable per-user tool rate limiting")
	maxCallsPerMinute := flag.Int("max_calls_per_minute", def.RateLimit.MaxCallsPerMinute, "Per-user tool call budget per minute")
	globalBackend := flag.String("global_backend", def.RateLimit.GlobalBackend, "Fleet-wide limiter backend: none, memory or redis")
	globalCapacity := flag.Int("global_capacity_per_minute", def.RateLimit.GlobalCapacityPerMinute, "Fleet-wide tool call budget per minute")
	redisAddr := flag.String("redis_addr", def.RateLimit.RedisAddr, "Redis address for the distributed global limiter (e.g., localhost:6379)")
	redisKey := flag.String("redis_key", def.RateLimit.RedisKey, "Redis key prefix for the global limiter window")

	warmConcurrency := flag.Int("warm_concurrency", def.Warmer.Concurrency, "Concurrent queries during cache warming")
	warmAdaptive := flag.Bool("warm_adaptive", def.Warmer.Adaptive, "Let pressure and hit rate adjust the warming budget")
	warmTargetHitRate := flag.Float64("warm_target_hit_rate", def.Warmer.TargetHitRate, "Hit rate below which an adaptive warm doubles its budget")
	warmSeeds := flag.String("warm_seeds", "", "Comma-separated queries to pre-warm; empty disables warming")
	warmInterval := flag.Int("warm_interval_seconds", def.Warmer.IntervalSeconds, "Re-warm cadence in seconds; 0 warms once at startup")

	auditSink := flag.String("audit_sink", def.Audit.Sink, "Audit sink: log, file, kafka or postgres")
	auditPath := flag.String("audit_path", def.Audit.Path, "Audit file path (file sink)")
	auditTopic := flag.String("audit_kafka_topic", def.Audit.KafkaTopic, "Audit topic (kafka sink)")
	auditDSN := flag.String("audit_postgres_dsn", def.Audit.PostgresDSN, "Audit database DSN (postgres sink)")
	auditQueue := flag.Int("audit_queue_size", def.Audit.QueueSize, "Audit ingress buffer; full buffers drop events rather than block")
	auditBatch := flag.Int("audit_batch_size", def.Audit.BatchSize, "Audit events per sink write")
	auditFlushMS := flag.Int("audit_flush_interval_ms", def.Audit.FlushIntervalMs, "Audit flush cadence for partial batches, in milliseconds")

	metricsEnabled := flag.Bool("metrics", def.Telemetry.Enabled, "Enable Prometheus collectors and the summary log loop")
	metricsAddr := flag.String("metrics_addr", def.Telemetry.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	metricsLogInterval := flag.Int("metrics_log_interval_seconds", def.Telemetry.LogIntervalSeconds, "If > 0, periodically log a cache summary")

	tracingEnabled := flag.Bool("tracing", def.Tracing.Enabled, "Enable OpenTelemetry tracing")
	tracingEndpoint := flag.String("tracing_endpoint", def.Tracing.Endpoint, "Jaeger collector endpoint")
	tracingSample := flag.Float64("tracing_sample", def.Tracing.SampleRatio, "Trace sampling ratio (0..1; 1 samples everything)")
	tracingEnv := flag.String("tracing_env", def.Tracing.Environment, "Environment attribute stamped on every span")

	authTokens := flag.String("auth_tokens", "", "Static bearer tokens as token=user:scope1;scope2 entries, comma-separated; empty disables authentication")
	upstreamLatency := flag.Duration("upstream_latency", 150*time.Millisecond, "Simulated generation latency of the built-in demo upstream")
	flag.Parse()

	// 2. Resolve the effective configuration: file under flags.
	cfg := def
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Could not load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http_addr":
			cfg.HTTPAddr = *httpAddr
		case "shutdown_grace_seconds":
			cfg.ShutdownGraceSeconds = *shutdownGrace
		case "cache_version":
			cfg.Cache.Version = *cacheVersion
		case "min_tokens":
			cfg.Cache.MinTokens = *minTokens
		case "max_size_bytes":
			cfg.Cache.MaxSizeBytes = *maxSizeBytes
		case "ttl_seconds":
			cfg.Cache.TTLSeconds = *ttlSeconds
		case "pressure_threshold":
			cfg.Cache.PressureThreshold = *pressureThreshold
		case "emergency_target":
			cfg.Cache.EmergencyTarget = *emergencyTarget
		case "recency_weight":
			cfg.Cache.RecencyWeight = *recencyWeight
		case "frequency_weight":
			cfg.Cache.FrequencyWeight = *frequencyWeight
		case "baseline_tokens":
			cfg.Cache.BaselineTokens = *baselineTokens
		case "token_cost":
			cfg.Cache.TokenCost = *tokenCost
		case "sweep_interval_seconds":
			cfg.Cache.SweepIntervalSeconds = *sweepInterval
		case "failure_threshold":
			cfg.Breaker.FailureThreshold = *failureThreshold
		case "success_threshold":
			cfg.Breaker.SuccessThreshold = *successThreshold
		case "breaker_timeout_seconds":
			cfg.Breaker.TimeoutSeconds = *breakerTimeout
		case "rolling_window_seconds":
			cfg.Breaker.RollingWindowSeconds = *rollingWindow
		case "rate_threshold":
			cfg.Breaker.RateThreshold = *rateThreshold
		case "min_window_samples":
			cfg.Breaker.MinWindowSamples = *minWindowSamples
		case "recovery_factor":
			cfg.Breaker.RecoveryFactor = *recoveryFactor
		case "max_concurrency":
			cfg.Executor.MaxConcurrency = *maxConcurrency
		case "default_timeout_ms":
			cfg.Executor.DefaultTimeoutMs = *defaultTimeoutMS
		case "rate_limit_enabled":
			cfg.RateLimit.Enabled = *rateLimitEnabled
		case "max_calls_per_minute":
			cfg.RateLimit.MaxCallsPerMinute = *maxCallsPerMinute
		case "global_backend":
			cfg.RateLimit.GlobalBackend = *globalBackend
		case "global_capacity_per_minute":
			cfg.RateLimit.GlobalCapacityPerMinute = *globalCapacity
		case "redis_addr":
			cfg.RateLimit.RedisAddr = *redisAddr
		case "redis_key":
			cfg.RateLimit.RedisKey = *redisKey
		case "warm_concurrency":
			cfg.Warmer.Concurrency = *warmConcurrency
		case "warm_adaptive":
			cfg.Warmer.Adaptive = *warmAdaptive
		case "warm_target_hit_rate":
			cfg.Warmer.TargetHitRate = *warmTargetHitRate
		case "warm_seeds":
			cfg.Warmer.Seeds = splitList(*warmSeeds)
		case "warm_interval_seconds":
			cfg.Warmer.IntervalSeconds = *warmInterval
		case "audit_sink":
			cfg.Audit.Sink = *auditSink
		case "audit_path":
			cfg.Audit.Path = *auditPath
		case "audit_kafka_topic":
			cfg.Audit.KafkaTopic = *auditTopic
		case "audit_postgres_dsn":
			cfg.Audit.PostgresDSN = *auditDSN
		case "audit_queue_size":
			cfg.Audit.QueueSize = *auditQueue
		case "audit_batch_size":
			cfg.Audit.BatchSize = *auditBatch
		case "audit_flush_interval_ms":
			cfg.Audit.FlushIntervalMs = *auditFlushMS
		case "metrics":
			cfg.Telemetry.Enabled = *metricsEnabled
		case "metrics_addr":
			cfg.Telemetry.MetricsAddr = *metricsAddr
		case "metrics_log_interval_seconds":
			cfg.Telemetry.LogIntervalSeconds = *metricsLogInterval
		case "tracing":
			cfg.Tracing.Enabled = *tracingEnabled
		case "tracing_endpoint":
			cfg.Tracing.Endpoint = *tracingEndpoint
		case "tracing_sample":
			cfg.Tracing.SampleRatio = *tracingSample
		case "tracing_env":
			cfg.Tracing.Environment = *tracingEnv
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := buildLogger(*devLogging)
	defer func() { _ = logger.Sync() }()

	// 3. Observability first, so component construction is already
	// covered by metrics and traces.
	telemetry.Enable(telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		MetricsAddr:       cfg.Telemetry.MetricsAddr,
		LogInterval:       cfg.Telemetry.LogInterval(),
		HitLatencyTarget:  cfg.Cache.HitLatencyTarget(),
		MissLatencyTarget: cfg.Cache.MissLatencyTarget(),
		Logger:            logger,
	})
	if cfg.Tracing.Enabled {
		err := tracing.Init(tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRatio: cfg.Tracing.SampleRatio,
			Environment: cfg.Tracing.Environment,
		}, logger)
		if err != nil {
			logger.Fatal("tracing init failed", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(ctx)
		}()
	}

	// 4. Core components: store + maintenance worker, breaker, and the
	// resilient wrapper the engine talks to.
	store := cache.NewStore(cache.Config{
		Version:           cfg.Cache.Version,
		MinTokens:         cfg.Cache.MinTokens,
		MaxSizeBytes:      cfg.Cache.MaxSizeBytes,
		TTL:               cfg.Cache.TTL(),
		PressureThreshold: cfg.Cache.PressureThreshold,
		EmergencyTarget:   cfg.Cache.EmergencyTarget,
		RecencyWeight:     cfg.Cache.RecencyWeight,
		FrequencyWeight:   cfg.Cache.FrequencyWeight,
		BaselineTokens:    cfg.Cache.BaselineTokens,
		TokenCost:         cfg.Cache.TokenCost,
		Logger:            logger,
	})
	worker := cache.NewWorker(store, cfg.Cache.SweepInterval(), logger)
	worker.Start()

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout(),
		RollingWindow:    cfg.Breaker.RollingWindow(),
		RateThreshold:    cfg.Breaker.RateThreshold,
		MinWindowSamples: cfg.Breaker.MinWindowSamples,
		RecoveryFactor:   cfg.Breaker.RecoveryFactor,
		Logger:           logger,
	})
	resilient := cache.NewResilient(store, br, logger)

	// 5. Authentication and rate limiting for the tool pipeline.
	verifier, err := parseAuthTokens(*authTokens)
	if err != nil {
		logger.Fatal("bad -auth_tokens value", zap.Error(err))
	}
	var authorizer *auth.Authorizer
	if verifier != nil {
		authorizer = auth.NewAuthorizer(verifier, logger)
	}

	var users *ratelimit.UserLimiter
	var global ratelimit.GlobalLimiter
	var reaper *ratelimit.Reaper
	if cfg.RateLimit.Enabled {
		users = ratelimit.NewUserLimiter(ratelimit.UserConfig{
			CallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
			Logger:         logger,
		})
		reaper = ratelimit.NewReaper(users, 10*time.Minute, time.Hour, logger)
		reaper.Start()
		global, err = ratelimit.BuildGlobalLimiter(cfg.RateLimit.GlobalBackend, ratelimit.GlobalOptions{
			CapacityPerMinute: cfg.RateLimit.GlobalCapacityPerMinute,
			RedisAddr:         cfg.RateLimit.RedisAddr,
			RedisKey:          cfg.RateLimit.RedisKey,
			Logger:            logger,
		})
		if err != nil {
			logger.Fatal("global limiter init failed", zap.Error(err))
		}
	}

	// 6. Tool registry, executor and the audit trail behind it.
	registry := tools.NewRegistry()
	if err := registerDemoTools(registry, clock.System()); err != nil {
		logger.Fatal("demo tool registration failed", zap.Error(err))
	}

	exec := tools.NewExecutor(registry, tools.ExecutorConfig{
		MaxConcurrency: cfg.Executor.MaxConcurrency,
		DefaultTimeout: cfg.Executor.DefaultTimeout(),
		Users:          users,
		Global:         global,
		Auth:           authorizer,
		Logger:         logger,
	})

	var auditDB *sql.DB
	if cfg.Audit.Sink == "postgres" {
		if cfg.Audit.PostgresDSN == "" {
			logger.Fatal("audit sink postgres requires -audit_postgres_dsn")
		}
		auditDB, err = sql.Open("postgres", cfg.Audit.PostgresDSN)
		if err != nil {
			logger.Fatal("audit database open failed", zap.Error(err))
		}
		defer func() { _ = auditDB.Close() }()
	}
	sink, err := audit.BuildSink(cfg.Audit.Sink, audit.SinkOptions{
		Path:       cfg.Audit.Path,
		KafkaTopic: cfg.Audit.KafkaTopic,
		DB:         auditDB,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("audit sink init failed", zap.Error(err))
	}
	recorder := audit.NewRecorder(audit.RecorderConfig{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval(),
		Sink:          sink,
		Logger:        logger,
	})
	recorder.Start()
	exec.AddHook(recorder.Hook())

	// 7. The engine over a demo upstream, plus optional warming.
	upstream := &engine.TemplateUpstream{
		Latency:  *upstreamLatency,
		EmitTool: "echo",
	}
	eng := engine.New(resilient, upstream, exec, engine.Config{
		Version:       cfg.Cache.Version,
		MinTokens:     cfg.Cache.MinTokens,
		Concurrency:   cfg.Warmer.Concurrency,
		Adaptive:      cfg.Warmer.Adaptive,
		TargetHitRate: cfg.Warmer.TargetHitRate,
		Logger:        logger,
	})

	var warmer *engine.PeriodicWarmer
	if len(cfg.Warmer.Seeds) > 0 {
		if cfg.Warmer.Interval() > 0 {
			warmer = engine.NewPeriodicWarmer(eng, cfg.Warmer.Seeds, nil, engine.WarmOptions{}, cfg.Warmer.Interval(), logger)
			warmer.Start()
		} else {
			go func() {
				report := eng.Warm(context.Background(), cfg.Warmer.Seeds, nil, engine.WarmOptions{})
				logger.Info("startup warm finished",
					zap.Int("attempted", report.Attempted),
					zap.Int("succeeded", report.Succeeded),
					zap.Int("failed", report.Failed),
				)
			}()
		}
	}

	// 8. The API server. The http.Server lives here in main so shutdown
	// can drain it gracefully.
	apiServer := api.NewServer(api.Config{
		Engine:   eng,
		Executor: exec,
		Registry: registry,
		Cache:    resilient,
		Users:    users,
		Auth:     authorizer,
		Logger:   logger,
	})
	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("querygate api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 9. Block until an OS signal, then shut down in dependency order:
	// warmer first (stop feeding the cache), audit recorder (final
	// flush), cache worker, and finally the HTTP listener.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if warmer != nil {
		warmer.Stop()
	}
	recorder.Stop()
	if c, ok := sink.(io.Closer); ok {
		_ = c.Close()
	}
	worker.Stop()
	if reaper != nil {
		reaper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// buildLogger constructs the process logger. Production JSON unless
// -dev_logging asks for the console encoder.
func buildLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	return logger
}

// splitList turns a comma-separated flag value into a clean slice.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAuthTokens builds a static verifier from token=user:scope;scope
// entries. An empty list disables authentication entirely.
func parseAuthTokens(raw string) (*auth.StaticVerifier, error) {
	if raw == "" {
		return nil, nil
	}
	v := auth.NewStaticVerifier()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("entry %q: want token=user[:scope;scope]", entry)
		}
		user, scopeList, _ := strings.Cut(rest, ":")
		if user == "" {
			return nil, fmt.Errorf("entry %q: empty user", entry)
		}
		var scopes []string
		for _, s := range strings.Split(scopeList, ";") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
		v.Add(token, auth.Identity{UserID: user, Scopes: scopes})
	}
	return v, nil
}

// registerDemoTools installs the built-in demonstration tools: echo,
// current_time and sleep. Real deployments register their own tools
// against the same registry API.
func registerDemoTools(reg *tools.Registry, clk clock.Clock) error {
	f64 := func(v float64) *float64 { return &v }

	if err := reg.Register(tools.Tool{
		Name:        "echo",
		Description: "Returns its msg argument unchanged.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"msg": {Type: tools.TypeString, Required: true},
		}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}); err != nil {
		return err
	}

	if err := reg.Register(tools.Tool{
		Name:        "current_time",
		Description: "Returns the server time in RFC 3339 form.",
		Schema:      tools.Schema{},
		Handler: func(context.Context, map[string]any) (any, error) {
			return clk.Now().Format(time.RFC3339Nano), nil
		},
	}); err != nil {
		return err
	}

	return reg.Register(tools.Tool{
		Name:        "sleep",
		Description: "Blocks for duration_ms milliseconds; demonstrates call deadlines.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"duration_ms": {Type: tools.TypeInteger, Required: true, Minimum: f64(1), Maximum: f64(60000)},
		}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var ms float64
			switch v := args["duration_ms"].(type) {
			case float64:
				ms = v
			case int:
				ms = float64(v)
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"slept_ms": int64(ms)}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
}
