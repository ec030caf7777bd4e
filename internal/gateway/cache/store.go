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

// Package cache implements the token-threshold-gated response cache: a
// read-mostly concurrent store with TTL expiry, a three-stage eviction
// ladder driven by a recency/frequency score, memory-pressure cleanup,
// and a circuit-breaker wrapper that degrades to misses and no-ops when
// the store misbehaves.
//
// Gets touch access metadata atomically under the read lock; stores,
// eviction, and invalidation serialize on the write lock. Entries are
// keyed by "<version>:<fingerprint>", so invalidation prefixes can
// target a version, a fingerprint range, or everything.
package cache

import (
	"hash/crc32"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/telemetry"
	"querygate/pkg/tokens"
)

// Config tunes a Store. Zero fields take the documented defaults.
type Config struct {
	Version           string        // namespace prefix; mismatched versions are invisible (default "v1")
	MinTokens         int           // cacheability floor (default 500)
	MaxSizeBytes      int64         // hard capacity (default 10 MiB)
	TTL               time.Duration // entry lifetime (default 1h)
	PressureThreshold float64       // pressure that triggers preemptive cleanup (default 0.80)
	EmergencyTarget   float64       // fraction of capacity emergency eviction drains to (default 0.70)
	RecencyWeight     float64       // α in the eviction score (default 1.0)
	FrequencyWeight   float64       // β in the eviction score (default 0.5)
	BaselineTokens    int           // cost model: tokens a miss would have spent (default 1500)
	TokenCost         float64       // cost model: currency per token (default 0, disables the figure)
	Clock             clock.Clock
	Logger            *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.MinTokens <= 0 {
		c.MinTokens = 500
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 10 << 20
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.PressureThreshold <= 0 || c.PressureThreshold > 1 {
		c.PressureThreshold = 0.80
	}
	if c.EmergencyTarget <= 0 || c.EmergencyTarget >= 1 {
		c.EmergencyTarget = 0.70
	}
	if c.RecencyWeight <= 0 {
		c.RecencyWeight = 1.0
	}
	if c.FrequencyWeight <= 0 {
		c.FrequencyWeight = 0.5
	}
	if c.BaselineTokens <= 0 {
		c.BaselineTokens = 1500
	}
	if c.TokenCost < 0 {
		c.TokenCost = 0
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Store is the concurrent response cache. Create with NewStore.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*managedEntry
	size    int64 // Σ entry.sizeBytes, guarded by mu

	m storeMetrics
}

// NewStore returns an empty Store with cfg's defaults applied.
func NewStore(cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		cfg:     cfg,
		entries: make(map[string]*managedEntry),
	}
}

// Version returns the namespace this store admits.
func (s *Store) Version() string { return s.cfg.Version }

// MinTokens returns the cacheability floor.
func (s *Store) MinTokens() int { return s.cfg.MinTokens }

func (s *Store) key(fp string) string { return s.cfg.Version + ":" + fp }

// Get returns the live entry for fp or ErrMiss. A hit touches access
// metadata atomically without the write lock; an expired entry found
// here is removed lazily and reported as a miss; an entry that fails its
// integrity check is removed and reported as Corrupt.
func (s *Store) Get(fp string) (Entry, error) {
	start := s.cfg.Clock.Now()
	key := s.key(fp)

	s.mu.RLock()
	me, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.missed(start)
		return Entry{}, ErrMiss
	}
	now := s.cfg.Clock.Now()
	if me.expired(now, s.cfg.TTL) {
		if s.removeIfSame(key, me) {
			s.m.expirations.Add(1)
			telemetry.ObserveEviction("expired", 1)
		}
		s.missed(start)
		return Entry{}, ErrMiss
	}
	if !me.intact() {
		if s.removeIfSame(key, me) {
			s.m.corruptDropped.Add(1)
			telemetry.ObserveCacheRejected("corrupt")
			s.cfg.Logger.Warn("dropped corrupt cache entry", zap.String("fingerprint", fp))
		}
		return Entry{}, errf("get", KindCorrupt, "entry %s failed integrity check", fp)
	}

	me.touch(now)
	lat := s.cfg.Clock.Since(start)
	s.m.hits.Add(1)
	s.m.hitLatNanos.Add(int64(lat))
	telemetry.ObserveCacheHit(lat)
	return me.snapshot(), nil
}

// Store inserts content for fp under the store's version namespace.
// Content below the token floor, a mismatched version, or content that
// cannot fit even after eviction is rejected with a typed Error; the
// caller decides whether to pad and retry. A concurrent store on the
// same fingerprint has a single winner: last writer by wall clock.
func (s *Store) Store(fp string, content []byte, version string) (Entry, error) {
	tokenCount := tokens.Estimate(content)
	if tokenCount < s.cfg.MinTokens {
		s.m.rejectedTooSmall.Add(1)
		telemetry.ObserveCacheRejected(string(KindContentTooSmall))
		return Entry{}, errf("store", KindContentTooSmall,
			"content is %d tokens, cache floor is %d", tokenCount, s.cfg.MinTokens)
	}
	if version != s.cfg.Version {
		s.m.rejectedVersion.Add(1)
		telemetry.ObserveCacheRejected(string(KindVersionMismatch))
		return Entry{}, errf("store", KindVersionMismatch,
			"content version %q, cache version %q", version, s.cfg.Version)
	}
	size := int64(len(content))
	if size > s.cfg.MaxSizeBytes {
		s.m.rejectedFull.Add(1)
		telemetry.ObserveCacheRejected(string(KindFull))
		return Entry{}, errf("store", KindFull,
			"entry of %d bytes exceeds cache capacity %d", size, s.cfg.MaxSizeBytes)
	}

	// Own the bytes: entries are immutable after insertion and the
	// checksum below must stay valid whatever the caller does next.
	owned := make([]byte, size)
	copy(owned, content)

	now := s.cfg.Clock.Now()
	key := s.key(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[key]; ok {
		// Replacement, not eviction: the old entry makes room for its
		// successor without touching the eviction counters.
		delete(s.entries, key)
		s.size -= prev.sizeBytes
	}
	if err := s.ensureSpaceLocked(now, size); err != nil {
		return Entry{}, err
	}

	me := &managedEntry{
		fingerprint: fp,
		version:     version,
		content:     owned,
		tokenCount:  tokenCount,
		sizeBytes:   size,
		createdAt:   now,
		checksum:    crc32.Checksum(owned, crcTable),
	}
	me.lastAccessed.Store(now.UnixNano())
	s.entries[key] = me
	s.size += size

	s.m.stores.Add(1)
	s.m.tokensStored.Add(int64(tokenCount))
	telemetry.ObserveCacheStore(tokenCount)
	return me.snapshot(), nil
}

// Invalidate removes every entry whose internal key ("version:fp")
// starts with prefix and returns the count. An empty prefix clears the
// whole cache.
func (s *Store) Invalidate(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, me := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			s.size -= me.sizeBytes
			removed++
		}
	}
	if removed > 0 {
		s.m.invalidations.Add(int64(removed))
		telemetry.ObserveInvalidation(removed)
	}
	return removed
}

// Cleanup is the maintenance entry point: it sweeps expired entries and,
// when memory pressure still exceeds the configured threshold, runs the
// scored and emergency stages down to the emergency floor. Returns the
// number of entries removed.
func (s *Store) Cleanup() int {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.entries)
	s.sweepExpiredLocked(now)
	if s.pressureLocked() > s.cfg.PressureThreshold {
		floor := s.emergencyFloor()
		s.evictScoredLocked(now, floor)
		if s.size > floor {
			s.evictEmergencyLocked(now, floor)
		}
	}
	return before - len(s.entries)
}

// Len returns the number of resident entries (all versions).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SizeBytes returns the accounted size of resident entries.
func (s *Store) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Pressure returns total_size_bytes / maxSizeBytes.
func (s *Store) Pressure() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pressureLocked()
}

func (s *Store) pressureLocked() float64 {
	return float64(s.size) / float64(s.cfg.MaxSizeBytes)
}

func (s *Store) emergencyFloor() int64 {
	return int64(s.cfg.EmergencyTarget * float64(s.cfg.MaxSizeBytes))
}

// missed books one miss against the metrics.
func (s *Store) missed(start time.Time) {
	lat := s.cfg.Clock.Since(start)
	s.m.misses.Add(1)
	s.m.missLatNanos.Add(int64(lat))
	telemetry.ObserveCacheMiss(lat)
}

// removeIfSame deletes key only if it still maps to the record observed
// under the read lock, so a concurrent replacement is never clobbered.
func (s *Store) removeIfSame(key string, me *managedEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur != me {
		return false
	}
	delete(s.entries, key)
	s.size -= me.sizeBytes
	return true
}

// ensureSpaceLocked runs the eviction ladder until need bytes fit:
// expiry sweep first, then score-based eviction of cold entries, then
// emergency LRU down to the emergency floor. Each stage stops as soon as
// the target is met; KindFull is returned only when even an empty-enough
// cache cannot host the entry.
func (s *Store) ensureSpaceLocked(now time.Time, need int64) error {
	target := s.cfg.MaxSizeBytes - need
	if s.size <= target {
		return nil
	}
	s.sweepExpiredLocked(now)
	if s.size <= target {
		return nil
	}
	s.evictScoredLocked(now, target)
	if s.size <= target {
		return nil
	}
	floor := s.emergencyFloor()
	if floor > target {
		floor = target
	}
	s.evictEmergencyLocked(now, floor)
	if s.size <= target {
		return nil
	}
	s.m.rejectedFull.Add(1)
	telemetry.ObserveCacheRejected(string(KindFull))
	return errf("store", KindFull,
		"need %d bytes, only %d free after eviction", need, s.cfg.MaxSizeBytes-s.size)
}

// sweepExpiredLocked removes every entry past its TTL.
func (s *Store) sweepExpiredLocked(now time.Time) {
	removed := 0
	for key, me := range s.entries {
		if me.expired(now, s.cfg.TTL) {
			delete(s.entries, key)
			s.size -= me.sizeBytes
			removed++
		}
	}
	if removed > 0 {
		s.m.expirations.Add(int64(removed))
		telemetry.ObserveEviction("expired", removed)
	}
}

// score is the eviction priority: staleness scaled by TTL minus a
// logarithmic credit for access frequency. Positive means the entry is
// colder than its popularity justifies keeping.
func (s *Store) score(now time.Time, me *managedEntry) float64 {
	staleness := now.Sub(time.Unix(0, me.lastAccessed.Load())).Seconds()
	return s.cfg.RecencyWeight*(staleness/s.cfg.TTL.Seconds()) -
		s.cfg.FrequencyWeight*math.Log1p(float64(me.accessCount.Load()))
}

// evictScoredLocked removes non-negative-scoring entries, coldest first,
// until size fits under target. Entries whose frequency outweighs their
// staleness (negative score) are never touched here; if they must go,
// that is the emergency stage's call.
func (s *Store) evictScoredLocked(now time.Time, target int64) {
	if s.size <= target {
		return
	}
	type candidate struct {
		key   string
		me    *managedEntry
		score float64
	}
	cands := make([]candidate, 0, len(s.entries))
	for key, me := range s.entries {
		sc := s.score(now, me)
		if sc < 0 {
			continue
		}
		cands = append(cands, candidate{key: key, me: me, score: sc})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].me.sizeBytes != cands[j].me.sizeBytes {
			return cands[i].me.sizeBytes > cands[j].me.sizeBytes
		}
		return cands[i].me.createdAt.Before(cands[j].me.createdAt)
	})

	removed := 0
	for _, c := range cands {
		if s.size <= target {
			break
		}
		delete(s.entries, c.key)
		s.size -= c.me.sizeBytes
		removed++
	}
	if removed > 0 {
		s.m.evictionsIntelligent.Add(int64(removed))
		telemetry.ObserveEviction("intelligent", removed)
	}
}

// evictEmergencyLocked is pure LRU by last access, draining until size
// reaches floor. Frequency no longer grants immunity here.
func (s *Store) evictEmergencyLocked(now time.Time, floor int64) {
	if s.size <= floor {
		return
	}
	type aged struct {
		key  string
		me   *managedEntry
		last int64
	}
	all := make([]aged, 0, len(s.entries))
	for key, me := range s.entries {
		all = append(all, aged{key: key, me: me, last: me.lastAccessed.Load()})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].last != all[j].last {
			return all[i].last < all[j].last
		}
		if all[i].me.sizeBytes != all[j].me.sizeBytes {
			return all[i].me.sizeBytes > all[j].me.sizeBytes
		}
		return all[i].me.createdAt.Before(all[j].me.createdAt)
	})

	removed := 0
	for _, a := range all {
		if s.size <= floor {
			break
		}
		delete(s.entries, a.key)
		s.size -= a.me.sizeBytes
		removed++
	}
	if removed > 0 {
		s.m.evictionsEmergency.Add(int64(removed))
		telemetry.ObserveEviction("emergency", removed)
		s.cfg.Logger.Warn("emergency eviction drained cache",
			zap.Int("removed", removed),
			zap.Int64("size_bytes", s.size),
			zap.Int64("floor", floor),
		)
	}
}
