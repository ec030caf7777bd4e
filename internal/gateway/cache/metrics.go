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

package cache

import (
	"sync/atomic"
	"time"
)

// storeMetrics holds the store's monotonic counters. Individual counters
// are atomic; a snapshot is consistent per counter, not across counters.
type storeMetrics struct {
	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64

	expirations          atomic.Int64
	evictionsIntelligent atomic.Int64
	evictionsEmergency   atomic.Int64
	invalidations        atomic.Int64
	corruptDropped       atomic.Int64

	rejectedTooSmall atomic.Int64
	rejectedVersion  atomic.Int64
	rejectedFull     atomic.Int64

	hitLatNanos  atomic.Int64
	missLatNanos atomic.Int64
	tokensStored atomic.Int64
}

// MetricsSnapshot is a point-in-time view of the store: raw monotonic
// counters plus the derived rates and the parametric cost-savings figure.
type MetricsSnapshot struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Stores int64 `json:"stores"`

	Expirations          int64 `json:"expirations"`
	EvictionsIntelligent int64 `json:"evictions_intelligent"`
	EvictionsEmergency   int64 `json:"evictions_emergency"`
	Invalidations        int64 `json:"invalidations"`
	CorruptDropped       int64 `json:"corrupt_dropped"`

	RejectedTooSmall        int64 `json:"rejected_too_small"`
	RejectedVersionMismatch int64 `json:"rejected_version_mismatch"`
	RejectedFull            int64 `json:"rejected_full"`

	Entries      int   `json:"entries"`
	SizeBytes    int64 `json:"size_bytes"`
	MaxSizeBytes int64 `json:"max_size_bytes"`

	HitRate        float64 `json:"hit_rate"`
	MissRate       float64 `json:"miss_rate"`
	EvictionRate   float64 `json:"eviction_rate"`
	MemoryPressure float64 `json:"memory_pressure"`

	AvgHitLatency  time.Duration `json:"avg_hit_latency_ns"`
	AvgMissLatency time.Duration `json:"avg_miss_latency_ns"`

	AvgTokensPerStore    float64 `json:"avg_tokens_per_store"`
	EstimatedCostSavings float64 `json:"estimated_cost_savings"`
}

// Metrics assembles a snapshot. Derived rates guard their zero
// denominators, so a fresh store reports clean zeros rather than NaN.
func (s *Store) Metrics() MetricsSnapshot {
	s.mu.RLock()
	entries := len(s.entries)
	size := s.size
	s.mu.RUnlock()

	hits := s.m.hits.Load()
	misses := s.m.misses.Load()
	stores := s.m.stores.Load()
	evictions := s.m.evictionsIntelligent.Load() + s.m.evictionsEmergency.Load()

	snap := MetricsSnapshot{
		Hits:                    hits,
		Misses:                  misses,
		Stores:                  stores,
		Expirations:             s.m.expirations.Load(),
		EvictionsIntelligent:    s.m.evictionsIntelligent.Load(),
		EvictionsEmergency:      s.m.evictionsEmergency.Load(),
		Invalidations:           s.m.invalidations.Load(),
		CorruptDropped:          s.m.corruptDropped.Load(),
		RejectedTooSmall:        s.m.rejectedTooSmall.Load(),
		RejectedVersionMismatch: s.m.rejectedVersion.Load(),
		RejectedFull:            s.m.rejectedFull.Load(),
		Entries:                 entries,
		SizeBytes:               size,
		MaxSizeBytes:            s.cfg.MaxSizeBytes,
		MemoryPressure:          float64(size) / float64(s.cfg.MaxSizeBytes),
	}

	if lookups := hits + misses; lookups > 0 {
		snap.HitRate = float64(hits) / float64(lookups)
		snap.MissRate = float64(misses) / float64(lookups)
	}
	if stores > 0 {
		snap.EvictionRate = float64(evictions) / float64(stores)
		snap.AvgTokensPerStore = float64(s.m.tokensStored.Load()) / float64(stores)
	}
	if hits > 0 {
		snap.AvgHitLatency = time.Duration(s.m.hitLatNanos.Load() / hits)
	}
	if misses > 0 {
		snap.AvgMissLatency = time.Duration(s.m.missLatNanos.Load() / misses)
	}

	// Parametric savings model: a hit spends ~5% of the baseline miss
	// cost, and even a miss reuses ~30% of the average stored response.
	// Informational only; never feeds back into caching decisions.
	snap.EstimatedCostSavings = float64(hits)*0.95*float64(s.cfg.BaselineTokens)*s.cfg.TokenCost +
		float64(misses)*0.30*snap.AvgTokensPerStore*s.cfg.TokenCost

	return snap
}
