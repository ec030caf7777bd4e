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

// Package tokens provides the query fingerprint and the token-count
// heuristic shared by the cache store, the response padder, and the
// warming logic.
//
// Both functions are pure and allocation-light: they sit on the hot path
// of every query, before any lock is taken.
package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// bytesPerToken is the rough byte-to-token ratio for English prose and
// code produced by current model families. It intentionally overcounts
// short CJK-heavy content; the cache threshold only needs to be stable,
// not exact.
const bytesPerToken = 4

// Estimate returns the approximate model-token count of content.
// Non-empty content always estimates to at least 1 token.
func Estimate(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	return (len(content) + bytesPerToken - 1) / bytesPerToken
}

// EstimateString is Estimate for string content without a copy.
func EstimateString(content string) int {
	return EstimateLen(len(content))
}

// EstimateLen returns the estimate for content of n bytes. The heuristic
// depends only on length, so callers that grow content incrementally (the
// padder) can size it without materializing the bytes.
func EstimateLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + bytesPerToken - 1) / bytesPerToken
}

// Normalize canonicalizes query text before fingerprinting: surrounding
// whitespace is trimmed, interior whitespace runs collapse to a single
// space, and letters are lower-cased, so trivially restated queries map
// to the same cache entry.
func Normalize(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Join(fields, " "))
}

// Fingerprint returns the hex-encoded SHA-256 of the normalized query.
// It is stable across processes and collision-resistant, so it is safe
// to use directly as a cache key and in invalidation prefixes.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}
