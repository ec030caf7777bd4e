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

package ratelimit

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/clock"
)

// GlobalOptions holds the knobs for building a global limiter.
type GlobalOptions struct {
	CapacityPerMinute int
	RedisAddr         string
	RedisKey          string
	Clock             clock.Clock
	Logger            *zap.Logger
}

// BuildGlobalLimiter constructs a GlobalLimiter from a string selector.
// Supported kinds:
//   - "none" (or empty): no global gate; returns nil
//   - "memory": in-process fixed window
//   - "redis": shared fixed window; uses a logging demo client when no
//     address is configured, so the kind can be exercised without infra
func BuildGlobalLimiter(kind string, opts GlobalOptions) (GlobalLimiter, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "memory":
		return NewWindowLimiter(opts.CapacityPerMinute, time.Minute, opts.Clock), nil
	case "redis":
		var evaler Evaler
		if opts.RedisAddr != "" {
			evaler = NewGoRedisEvaler(opts.RedisAddr)
		} else {
			evaler = LoggingEvaler{Logger: opts.Logger}
		}
		return NewRedisLimiter(evaler, opts.RedisKey, opts.CapacityPerMinute, time.Minute, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown global limiter kind: %s", kind)
	}
}
