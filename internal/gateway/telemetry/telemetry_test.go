package telemetry

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func resetWindow() {
	winHits.Swap(0)
	winMisses.Swap(0)
	winStores.Swap(0)
	winEvictions.Swap(0)
	winDegraded.Swap(0)
	winToolCalls.Swap(0)
	winRateLimited.Swap(0)
	winHitLatNanos.Swap(0)
	winMissLatNanos.Swap(0)
}

// TestObserve_NoopWhenDisabled calls every public observation with the
// module disabled; nothing may panic and nothing may accumulate.
func TestObserve_NoopWhenDisabled(t *testing.T) {
	Enable(Config{Enabled: false})
	resetWindow()

	ObserveCacheHit(5 * time.Millisecond)
	ObserveCacheMiss(9 * time.Millisecond)
	ObserveCacheStore(600)
	ObserveCacheRejected("full")
	ObserveEviction("intelligent", 3)
	ObserveInvalidation(2)
	SetCacheGauges(10, 4096, 0.25)
	ObserveDegraded("get")
	ObserveBreakerTransition("closed", "open", 2)
	ObserveToolCall("echo", "success", time.Millisecond)
	ObserveRateLimited("user")
	ObserveWarmed(true)
	ObserveAuditDrop(1)
	ObserveQuery(true, time.Millisecond)

	if Enabled() {
		t.Fatalf("Enabled() = true after Enable(Enabled:false)")
	}
	if got := winHits.Load(); got != 0 {
		t.Fatalf("window hits = %d while disabled, want 0", got)
	}
}

// TestPublishSummary_ComputesWindowKPIs feeds known observations and
// checks the fields of the emitted summary line.
func TestPublishSummary_ComputesWindowKPIs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Enable(Config{Enabled: true, Logger: zap.New(core)})
	defer Enable(Config{Enabled: false})
	resetWindow()

	ObserveCacheHit(10 * time.Millisecond)
	ObserveCacheHit(30 * time.Millisecond)
	ObserveCacheMiss(100 * time.Millisecond)
	ObserveDegraded("get")
	SetCacheGauges(7, 2048, 0.5)

	publishSummary()

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("summary lines = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if got := fields["hits"]; got != int64(2) {
		t.Fatalf("hits field = %v, want 2", got)
	}
	if got := fields["hit_rate"]; got != float64(2)/float64(3) {
		t.Fatalf("hit_rate field = %v, want 2/3", got)
	}
	if got := fields["avg_hit_latency"]; got != 20*time.Millisecond {
		t.Fatalf("avg_hit_latency = %v, want 20ms", got)
	}
	if got := fields["degraded"]; got != int64(1) {
		t.Fatalf("degraded = %v, want 1", got)
	}
	if got := fields["entries"]; got != int64(7) {
		t.Fatalf("entries = %v, want 7", got)
	}
}

// TestPublishSummary_WarnsAboveLatencyTarget verifies the advisory
// escalation when the window average misses its target.
func TestPublishSummary_WarnsAboveLatencyTarget(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Enable(Config{
		Enabled:          true,
		HitLatencyTarget: 48 * time.Millisecond,
		Logger:           zap.New(core),
	})
	defer Enable(Config{Enabled: false})
	resetWindow()

	ObserveCacheHit(200 * time.Millisecond)
	publishSummary()

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("summary lines = %d, want 1", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("summary level = %v, want warn", entries[0].Level)
	}
}

// TestEnable_RestartsExporterSafely re-enables with different intervals
// and then disables; no goroutine may deadlock on the handover.
func TestEnable_RestartsExporterSafely(t *testing.T) {
	Enable(Config{Enabled: true, LogInterval: time.Hour, Logger: zap.NewNop()})
	Enable(Config{Enabled: true, LogInterval: time.Minute, Logger: zap.NewNop()})
	Enable(Config{Enabled: false})

	if Enabled() {
		t.Fatalf("Enabled() = true after disable")
	}
}

// TestPublishSummary_SwapsWindowToZero confirms each summary starts a
// fresh window.
func TestPublishSummary_SwapsWindowToZero(t *testing.T) {
	Enable(Config{Enabled: true, Logger: zap.NewNop()})
	defer Enable(Config{Enabled: false})
	resetWindow()

	ObserveCacheHit(time.Millisecond)
	publishSummary()

	if got := winHits.Load(); got != 0 {
		t.Fatalf("window hits after summary = %d, want 0", got)
	}
}
