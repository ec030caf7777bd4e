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
	"hash/crc32"
	"sync/atomic"
	"time"
)

// crcTable is the Castagnoli polynomial, hardware-accelerated on amd64
// and arm64.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Entry is an immutable view of one cached response, denormalized from
// the store's internal record at read time. Content is shared with the
// store; treat it as read-only.
type Entry struct {
	Fingerprint  string    `json:"fingerprint"`
	Version      string    `json:"version"`
	Content      []byte    `json:"content"`
	TokenCount   int       `json:"token_count"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

// managedEntry is the mutable record the store owns. Access metadata is
// atomic so concurrent gets touch it without taking the write lock;
// everything else is immutable after insertion.
type managedEntry struct {
	fingerprint string
	version     string
	content     []byte
	tokenCount  int
	sizeBytes   int64
	createdAt   time.Time
	checksum    uint32

	lastAccessed atomic.Int64 // unix nanos
	accessCount  atomic.Int64
}

// touch records one access at now.
func (m *managedEntry) touch(now time.Time) {
	m.lastAccessed.Store(now.UnixNano())
	m.accessCount.Add(1)
}

// expired reports whether the entry's TTL has elapsed at now.
func (m *managedEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(m.createdAt) > ttl
}

// intact re-verifies the content checksum computed at insertion.
func (m *managedEntry) intact() bool {
	return crc32.Checksum(m.content, crcTable) == m.checksum
}

func (m *managedEntry) snapshot() Entry {
	return Entry{
		Fingerprint:  m.fingerprint,
		Version:      m.version,
		Content:      m.content,
		TokenCount:   m.tokenCount,
		SizeBytes:    m.sizeBytes,
		CreatedAt:    m.createdAt,
		LastAccessed: time.Unix(0, m.lastAccessed.Load()),
		AccessCount:  m.accessCount.Load(),
	}
}
