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

// Package api exposes the query engine, tool executor and cache
// administration over HTTP. Handlers translate between JSON requests
// and the internal types; tool results already carry the HTTP status
// they map to, so the execute handlers echo it instead of inventing
// their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/auth"
	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/engine"
	"querygate/internal/gateway/ratelimit"
	"querygate/internal/gateway/tools"
)

// maxBodyBytes bounds request bodies before JSON decoding. Batch
// payloads with large tool arguments fit comfortably; anything bigger
// is rejected with 400.
const maxBodyBytes = 1 << 20

// Config carries the server's collaborators. Engine and Cache are
// required; the rest degrade gracefully when nil (no tool endpoints
// without an executor, no rate-limit headers without a limiter, no
// authentication without an authorizer).
type Config struct {
	Engine   *engine.Engine
	Executor *tools.Executor
	Registry *tools.Registry
	Cache    *cache.Resilient
	Users    *ratelimit.UserLimiter
	Auth     *auth.Authorizer
	Logger   *zap.Logger
}

// Server handles HTTP requests for queries, tool execution and cache
// administration.
type Server struct {
	engine   *engine.Engine
	exec     *tools.Executor
	registry *tools.Registry
	cache    *cache.Resilient
	users    *ratelimit.UserLimiter
	authz    *auth.Authorizer
	logger   *zap.Logger
}

// NewServer creates a new API server instance.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   cfg.Engine,
		exec:     cfg.Executor,
		registry: cfg.Registry,
		cache:    cfg.Cache,
		users:    cfg.Users,
		authz:    cfg.Auth,
		logger:   logger,
	}
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/tools/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/tools/execute_batch", s.handleExecuteBatch)
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/cache/metrics", s.handleCacheMetrics)
	mux.HandleFunc("POST /v1/cache/invalidate", s.handleInvalidate)
	mux.HandleFunc("POST /v1/cache/warm", s.handleWarm)
	mux.HandleFunc("GET /v1/breaker", s.handleBreaker)
	mux.HandleFunc("POST /v1/breaker/force_open", s.handleBreakerForceOpen)
	mux.HandleFunc("POST /v1/breaker/force_closed", s.handleBreakerForceClosed)
	mux.HandleFunc("POST /v1/breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the full route set as a single http.Handler, for
// callers that manage their own http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// handleQuery answers a natural-language query through the cache and,
// on a miss, the upstream generator. The X-Cache header distinguishes
// hits from regenerated answers.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.error(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx := s.identityContext(r)
	resp, err := s.engine.Answer(ctx, req.Query, req.Context)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return
		}
		s.logger.Warn("query failed", zap.Error(err))
		s.error(w, http.StatusBadGateway, "upstream generation failed")
		return
	}

	if resp.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleExecute runs a single tool call. The result's status field is
// also the HTTP status, and rate-limit denials carry a Retry-After
// header so well-behaved clients can back off.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		s.error(w, http.StatusNotImplemented, "tool execution is not configured")
		return
	}
	var call tools.Call
	if !s.decode(w, r, &call) {
		return
	}

	ctx := s.identityContext(r)
	res := s.exec.Execute(ctx, call)
	s.setRateHeaders(w, res.UserID)
	if res.Error != nil && res.Error.RetryAfterMS > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(res.Error.RetryAfterMS)))
	}
	s.writeJSON(w, res.Status, res)
}

type batchRequest struct {
	Calls []tools.Call `json:"calls"`
}

type batchResponse struct {
	Results []tools.Result `json:"results"`
}

// handleExecuteBatch runs several tool calls concurrently and returns
// the results in call order. The batch itself is always 200; each
// result carries its own status.
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		s.error(w, http.StatusNotImplemented, "tool execution is not configured")
		return
	}
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Calls) == 0 {
		s.error(w, http.StatusBadRequest, "calls must not be empty")
		return
	}

	ctx := s.identityContext(r)
	results := s.exec.ExecuteBatch(ctx, req.Calls)
	s.writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

type listToolsResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

// handleListTools returns the registered tools with their schemas.
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, listToolsResponse{Tools: []tools.Descriptor{}})
		return
	}
	s.writeJSON(w, http.StatusOK, listToolsResponse{Tools: s.registry.List()})
}

type cacheMetricsResponse struct {
	cache.MetricsSnapshot
	DegradedOperations int64  `json:"degraded_operations"`
	BreakerState       string `json:"breaker_state"`
}

// handleCacheMetrics reports cache effectiveness counters together
// with the breaker's view of the store.
func (s *Server) handleCacheMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, cacheMetricsResponse{
		MetricsSnapshot:    s.cache.Metrics(),
		DegradedOperations: s.cache.Degraded(),
		BreakerState:       s.cache.Breaker().State().String(),
	})
}

type invalidateRequest struct {
	Prefix string `json:"prefix"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

// handleInvalidate removes entries whose versioned fingerprint key
// starts with the given prefix; "v1:" clears one schema version, ""
// clears everything. Destructive, so the endpoint is admin-gated.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req invalidateRequest
	if !s.decode(w, r, &req) {
		return
	}

	removed, err := s.cache.Invalidate(ctx, req.Prefix)
	if err != nil {
		s.logger.Warn("invalidate failed", zap.String("prefix", req.Prefix), zap.Error(err))
		s.error(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
}

type warmRequest struct {
	Seeds      []string         `json:"seeds,omitempty"`
	Patterns   []engine.Pattern `json:"patterns,omitempty"`
	MaxQueries int              `json:"max_queries,omitempty"`
}

// handleWarm pre-populates the cache from seed queries and observed
// patterns. Runs synchronously; large warm lists belong in the
// background warmer, not this endpoint.
func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	ctx, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	var req warmRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Seeds) == 0 && len(req.Patterns) == 0 {
		s.error(w, http.StatusBadRequest, "seeds or patterns required")
		return
	}

	report := s.engine.Warm(ctx, req.Seeds, req.Patterns, engine.WarmOptions{MaxQueries: req.MaxQueries})
	s.writeJSON(w, http.StatusOK, report)
}

type breakerResponse struct {
	State                string  `json:"state"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	FailureRate          float64 `json:"failure_rate"`
	WindowSamples        int     `json:"window_samples"`
	TimeInStateMS        int64   `json:"time_in_state_ms"`
	StateChanges         int64   `json:"state_changes"`
	ProbesInFlight       int     `json:"probes_in_flight"`
	Forced               bool    `json:"forced"`
	RecentFailures       int     `json:"recent_failures"`
	DegradedOperations   int64   `json:"degraded_operations"`
}

func (s *Server) breakerSnapshot() breakerResponse {
	m := s.cache.Breaker().Metrics()
	return breakerResponse{
		State:                m.State.String(),
		ConsecutiveFailures:  m.ConsecutiveFailures,
		ConsecutiveSuccesses: m.ConsecutiveSuccesses,
		FailureRate:          m.FailureRate,
		WindowSamples:        m.WindowSamples,
		TimeInStateMS:        m.TimeInState.Milliseconds(),
		StateChanges:         m.StateChanges,
		ProbesInFlight:       m.ProbesInFlight,
		Forced:               m.Forced,
		RecentFailures:       len(m.RecentFailures),
		DegradedOperations:   s.cache.Degraded(),
	}
}

// handleBreaker reports the circuit breaker's state and health window.
func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.breakerSnapshot())
}

func (s *Server) handleBreakerForceOpen(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	s.cache.Breaker().ForceOpen()
	s.logger.Warn("breaker forced open by operator")
	s.writeJSON(w, http.StatusOK, s.breakerSnapshot())
}

func (s *Server) handleBreakerForceClosed(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	s.cache.Breaker().ForceClosed()
	s.logger.Warn("breaker forced closed by operator")
	s.writeJSON(w, http.StatusOK, s.breakerSnapshot())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	s.cache.Breaker().Reset()
	s.logger.Info("breaker reset by operator")
	s.writeJSON(w, http.StatusOK, s.breakerSnapshot())
}

// handleHealth is the liveness probe. It reports degraded rather than
// failing when the breaker is open: the process is still serving, just
// without its cache.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.cache != nil && s.cache.Breaker().State().String() == "open" {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// identityContext authenticates the request's bearer token, if any,
// and attaches the identity to the context. Missing or invalid tokens
// leave the request anonymous; tools that require auth reject it
// downstream with a proper 401 result.
func (s *Server) identityContext(r *http.Request) context.Context {
	ctx := r.Context()
	if s.authz == nil {
		return ctx
	}
	token := bearerToken(r)
	if token == "" {
		return ctx
	}
	id, err := s.authz.Authenticate(ctx, token)
	if err != nil {
		return ctx
	}
	return auth.WithIdentity(ctx, id)
}

// requireAdmin gates operator endpoints. With no authorizer configured
// the surface is open, which keeps single-user deployments simple;
// once tokens are in play the admin scope is mandatory.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	ctx := s.identityContext(r)
	if s.authz == nil {
		return ctx, true
	}
	if err := s.authz.Authorize(ctx, []string{"admin"}); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.error(w, http.StatusForbidden, "admin scope required")
		} else {
			s.error(w, http.StatusUnauthorized, "authentication required")
		}
		return ctx, false
	}
	return ctx, true
}

// setRateHeaders advertises the caller's per-user budget after a tool
// call, mirroring the standard X-RateLimit contract.
func (s *Server) setRateHeaders(w http.ResponseWriter, userID string) {
	if s.users == nil || userID == "" {
		return
	}
	d := s.users.Peek(userID)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.2f", d.Remaining))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// retryAfterSeconds rounds a millisecond wait up to whole seconds, the
// unit Retry-After speaks. A 200ms wait reads as 1, never 0.
func retryAfterSeconds(ms int64) int64 {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

// decode reads a JSON request body into v. On failure it writes a 400
// and returns false; handlers just bail.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server on addr and blocks until it
// exits. Callers that need graceful shutdown should mount Handler()
// on their own http.Server instead.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("api server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}
