package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Window counters, reset each summary interval. The exporter is the only
// reader; hot paths only Add.
var (
	winHits         atomic.Int64
	winMisses       atomic.Int64
	winStores       atomic.Int64
	winEvictions    atomic.Int64
	winDegraded     atomic.Int64
	winToolCalls    atomic.Int64
	winRateLimited  atomic.Int64
	winHitLatNanos  atomic.Int64
	winMissLatNanos atomic.Int64

	// Latest gauge values pushed by SetCacheGauges, mirrored here so the
	// summary line does not need to scrape Prometheus.
	gaugeEntries       atomic.Int64
	gaugeSize          atomic.Int64
	gaugePressureMilli atomic.Int64

	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}
	currCfg      atomic.Value // stores Config
)

func startOrUpdateExporter(cfg Config) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	currCfg.Store(cfg)

	// Stop previous loop if running.
	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	if !cfg.Enabled || cfg.LogInterval <= 0 {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(exporterStop, exporterDone)
}

func exporterLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	cfg, _ := currCfg.Load().(Config)
	ticker := time.NewTicker(cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publishSummary()
		case <-stop:
			return
		}
	}
}

// publishSummary swaps the window counters to zero and logs one KPI line.
// Averages that exceed their advisory latency targets raise the line to
// Warn so operators notice without a dashboard.
func publishSummary() {
	cfg, _ := currCfg.Load().(Config)

	hits := winHits.Swap(0)
	misses := winMisses.Swap(0)
	stores := winStores.Swap(0)
	evictions := winEvictions.Swap(0)
	degraded := winDegraded.Swap(0)
	toolCalls := winToolCalls.Swap(0)
	rateLimited := winRateLimited.Swap(0)
	hitLat := winHitLatNanos.Swap(0)
	missLat := winMissLatNanos.Swap(0)

	lookups := hits + misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}
	avgHit := time.Duration(0)
	if hits > 0 {
		avgHit = time.Duration(hitLat / hits)
	}
	avgMiss := time.Duration(0)
	if misses > 0 {
		avgMiss = time.Duration(missLat / misses)
	}

	fields := []zap.Field{
		zap.Int64("hits", hits),
		zap.Int64("misses", misses),
		zap.Float64("hit_rate", hitRate),
		zap.Int64("stores", stores),
		zap.Int64("evictions", evictions),
		zap.Int64("degraded", degraded),
		zap.Int64("tool_calls", toolCalls),
		zap.Int64("rate_limited", rateLimited),
		zap.Duration("avg_hit_latency", avgHit),
		zap.Duration("avg_miss_latency", avgMiss),
		zap.Int64("entries", gaugeEntries.Load()),
		zap.Int64("size_bytes", gaugeSize.Load()),
		zap.Float64("pressure", float64(gaugePressureMilli.Load())/1000),
	}

	aboveTarget := (cfg.HitLatencyTarget > 0 && avgHit > cfg.HitLatencyTarget) ||
		(cfg.MissLatencyTarget > 0 && avgMiss > cfg.MissLatencyTarget)
	if aboveTarget {
		cfg.Logger.Warn("gateway kpi window above latency target", fields...)
		return
	}
	cfg.Logger.Info("gateway kpi window", fields...)
}
