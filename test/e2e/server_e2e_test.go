//go:build e2e

// Package e2e contains end-to-end tests that launch the real server binary
// and exercise realistic scenarios: the cached query path, tool dispatch
// with rate-limit headers, and breaker administration.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

type runningServer struct {
	cmd       *exec.Cmd
	baseURL   string
	logLinesC chan string
}

// freePort asks the kernel for an available TCP port and returns it as a
// string.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	_, port, _ := net.SplitHostPort(addr)
	return port
}

// buildAndStartServer builds cmd/querygate-api into a temp dir, launches it
// on a random free port with the provided flags, and waits until it is
// ready to accept HTTP requests.
// Expectations:
//   - Returns only after both the readiness log appears and an HTTP probe
//     of /healthz succeeds.
//   - The returned runningServer carries the baseURL and a live log channel.
//   - The test cleanup terminates the child process.
func buildAndStartServer(t *testing.T, extraArgs ...string) *runningServer {
	t.Helper()

	port := freePort(t)

	// Build the server binary to a temp location using the module import
	// path so it works regardless of current working directory.
	tmpDir := t.TempDir()
	exe := filepath.Join(tmpDir, exeName("querygate-api"))
	build := exec.Command("go", "build", "-o", exe, "querygate/cmd/querygate-api")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build server: %v", err)
	}

	args := []string{
		"-http_addr=:" + port,
		"-upstream_latency=5ms", // keep miss latency low so tests run fast
		"-min_tokens=50",
	}
	args = append(args, extraArgs...)

	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatalf("StderrPipe: %v", err)
	}

	logC := make(chan string, 1024)
	go scanLines(stdout, logC)
	go scanLines(stderr, logC)

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	// Wait for the readiness line, then verify the listener actually
	// accepts connections.
	_ = waitForReady(t, logC, "querygate api listening")
	base := fmt.Sprintf("http://127.0.0.1:%s", port)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok := false
	for ctx.Err() == nil {
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			ok = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		_ = cmd.Process.Kill()
		t.Fatalf("server did not become ready (HTTP check failed)")
	}

	rs := &runningServer{cmd: cmd, baseURL: base, logLinesC: logC}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return rs
}

// scanLines copies lines from the child's stdout/stderr into a channel so
// tests can observe server logs in near real-time.
func scanLines(r io.ReadCloser, out chan<- string) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		out <- s.Text()
	}
}

// waitForReady blocks until a log line containing the given needle appears
// or a short timeout elapses.
func waitForReady(t *testing.T, logC <-chan string, needle string) bool {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line := <-logC:
			if strings.Contains(line, needle) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// exeName returns the executable name for the current OS (adds .exe on Windows).
func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// postJSON sends body to url and returns the response plus its bytes.
func postJSON(t *testing.T, client *http.Client, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

// --- Tests ---

// TestE2E_QueryMissThenHit sends the same query twice and verifies the
// cache round trip end to end: MISS on first contact, HIT with identical
// content on the second.
func TestE2E_QueryMissThenHit(t *testing.T) {
	rs := buildAndStartServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	body := `{"query":"what does the e2e cache remember"}`
	resp1, b1 := postJSON(t, client, rs.baseURL+"/v1/query", body, nil)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first query got %d: %s", resp1.StatusCode, b1)
	}
	if got := resp1.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first query X-Cache=%q, want MISS", got)
	}

	resp2, b2 := postJSON(t, client, rs.baseURL+"/v1/query", body, nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second query got %d: %s", resp2.StatusCode, b2)
	}
	if got := resp2.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("second query X-Cache=%q, want HIT", got)
	}

	var first, second struct {
		Content    string `json:"content"`
		TokenCount int    `json:"token_count"`
	}
	if err := json.Unmarshal(b1, &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(b2, &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Content != second.Content {
		t.Fatalf("hit returned different content than the miss stored")
	}
	if second.TokenCount < 50 {
		t.Fatalf("cached answer is %d tokens, below the configured floor", second.TokenCount)
	}
}

// TestE2E_ToolRateLimitHeaders exhausts a small per-user budget through
// /v1/tools/execute and verifies the limit headers and the 429 with
// Retry-After once the bucket is empty.
func TestE2E_ToolRateLimitHeaders(t *testing.T) {
	rs := buildAndStartServer(t,
		"-rate_limit_enabled=true",
		"-max_calls_per_minute=3",
	)
	client := &http.Client{Timeout: 5 * time.Second}
	call := `{"tool":"echo","args":{"msg":"hi"},"user_id":"hdrs"}`

	for i := 0; i < 3; i++ {
		resp, b := postJSON(t, client, rs.baseURL+"/v1/tools/execute", call, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d got %d: %s", i+1, resp.StatusCode, b)
		}
		if got := resp.Header.Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("call %d X-RateLimit-Limit=%q, want 3", i+1, got)
		}
		if resp.Header.Get("X-RateLimit-Remaining") == "" {
			t.Fatalf("call %d missing X-RateLimit-Remaining", i+1)
		}
	}

	resp, b := postJSON(t, client, rs.baseURL+"/v1/tools/execute", call, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429 after exhausting budget, got %d: %s", resp.StatusCode, b)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
	if !bytes.Contains(b, []byte("rate_limited")) {
		t.Fatalf("429 body does not carry the rate_limited kind: %s", b)
	}
}

// TestE2E_BreakerAdminFlow walks the breaker through a forced outage via
// the admin endpoints and checks that /healthz reflects it.
func TestE2E_BreakerAdminFlow(t *testing.T) {
	rs := buildAndStartServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) []byte {
		t.Helper()
		resp, err := client.Get(rs.baseURL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s got %d: %s", path, resp.StatusCode, b)
		}
		return b
	}

	if b := get("/v1/breaker"); !bytes.Contains(b, []byte(`"state":"closed"`)) {
		t.Fatalf("fresh breaker not closed: %s", b)
	}

	resp, b := postJSON(t, client, rs.baseURL+"/v1/breaker/force_open", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force_open got %d: %s", resp.StatusCode, b)
	}
	if !bytes.Contains(b, []byte(`"state":"open"`)) || !bytes.Contains(b, []byte(`"forced":true`)) {
		t.Fatalf("force_open response: %s", b)
	}
	if b := get("/healthz"); !bytes.Contains(b, []byte("degraded")) {
		t.Fatalf("healthz should report degraded while forced open: %s", b)
	}

	resp, b = postJSON(t, client, rs.baseURL+"/v1/breaker/reset", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset got %d: %s", resp.StatusCode, b)
	}
	if !bytes.Contains(b, []byte(`"state":"closed"`)) {
		t.Fatalf("reset response: %s", b)
	}
	if b := get("/healthz"); !bytes.Contains(b, []byte("ok")) {
		t.Fatalf("healthz should recover after reset: %s", b)
	}
}

// TestE2E_AdminScopeEnforced starts the server with static bearer tokens
// and verifies the admin surface rejects anonymous and under-scoped
// callers but accepts the admin token.
func TestE2E_AdminScopeEnforced(t *testing.T) {
	rs := buildAndStartServer(t,
		"-auth_tokens=admin-tok=ops:admin,peon-tok=bob:tools:call",
	)
	client := &http.Client{Timeout: 5 * time.Second}
	url := rs.baseURL + "/v1/breaker/force_open"

	resp, _ := postJSON(t, client, url, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous force_open got %d, want 401", resp.StatusCode)
	}

	resp, _ = postJSON(t, client, url, "", map[string]string{"Authorization": "Bearer peon-tok"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("under-scoped force_open got %d, want 403", resp.StatusCode)
	}

	resp, b := postJSON(t, client, url, "", map[string]string{"Authorization": "Bearer admin-tok"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin force_open got %d: %s", resp.StatusCode, b)
	}
	if !bytes.Contains(b, []byte(`"state":"open"`)) {
		t.Fatalf("admin force_open response: %s", b)
	}
}

// TestE2E_CacheMetricsAndInvalidate seeds the cache through the query
// path, reads the metrics endpoint, and clears the cache through the
// admin invalidate endpoint.
func TestE2E_CacheMetricsAndInvalidate(t *testing.T) {
	rs := buildAndStartServer(t)
	client := &http.Client{Timeout: 5 * time.Second}

	if resp, b := postJSON(t, client, rs.baseURL+"/v1/query", `{"query":"seed entry"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed query got %d: %s", resp.StatusCode, b)
	}

	resp, err := client.Get(rs.baseURL + "/v1/cache/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	var metrics struct {
		Entries      int    `json:"entries"`
		Stores       int64  `json:"stores"`
		BreakerState string `json:"breaker_state"`
	}
	if err := json.Unmarshal(b, &metrics); err != nil {
		t.Fatalf("decode metrics: %v\n%s", err, b)
	}
	if metrics.Entries < 1 || metrics.Stores < 1 {
		t.Fatalf("metrics show empty cache after a stored query: %s", b)
	}
	if metrics.BreakerState != "closed" {
		t.Fatalf("breaker state %q, want closed", metrics.BreakerState)
	}

	invResp, invBody := postJSON(t, client, rs.baseURL+"/v1/cache/invalidate", `{"prefix":""}`, nil)
	if invResp.StatusCode != http.StatusOK {
		t.Fatalf("invalidate got %d: %s", invResp.StatusCode, invBody)
	}
	var inv struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(invBody, &inv); err != nil {
		t.Fatalf("decode invalidate: %v", err)
	}
	if inv.Removed < 1 {
		t.Fatalf("invalidate removed %d entries, want >= 1", inv.Removed)
	}
}

// TestE2E_MetricsEndpoint enables telemetry on its own port and checks
// the Prometheus exposition is served.
func TestE2E_MetricsEndpoint(t *testing.T) {
	metricsPort := freePort(t)
	rs := buildAndStartServer(t,
		"-metrics=true",
		"-metrics_addr=127.0.0.1:"+metricsPort,
	)
	client := &http.Client{Timeout: 2 * time.Second}

	// Generate a little traffic so collectors have something to say.
	if resp, b := postJSON(t, client, rs.baseURL+"/v1/query", `{"query":"metrics seed"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed query got %d: %s", resp.StatusCode, b)
	}

	var body []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://127.0.0.1:" + metricsPort + "/metrics")
		if err == nil {
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Fatalf("expected a standard Go metric in /metrics output, got %d bytes", len(body))
	}
}
