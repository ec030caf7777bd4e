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

// Package ratelimit provides the two admission gates in front of tool
// execution: a continuously refilled token bucket per user, and an
// optional process- or fleet-wide fixed-window limiter applied before
// it. Buckets are created lazily on first use and reaped once idle
// longer than a full refill window, which makes deletion lossless: a
// bucket idle that long has refilled to capacity, exactly the state a
// recreated bucket starts in.
package ratelimit

import "time"

// Limiter scopes, reported in Decision and on the rate-limited metric.
const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
)

// Decision is the outcome of one admission check. RetryAfter is set on
// denials only: for a bucket it is the time until enough tokens refill,
// for a fixed window the time until the window resets.
type Decision struct {
	Allowed    bool
	Scope      string
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}
