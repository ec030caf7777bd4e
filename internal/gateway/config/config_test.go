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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "querygate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestDefault_MatchesDocumentedTable pins the documented defaults so a
// drive-by edit cannot silently change operational behavior.
func TestDefault_MatchesDocumentedTable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "v1", cfg.Cache.Version)
	assert.Equal(t, 500, cfg.Cache.MinTokens)
	assert.Equal(t, int64(10<<20), cfg.Cache.MaxSizeBytes)
	assert.Equal(t, time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 0.80, cfg.Cache.PressureThreshold)
	assert.Equal(t, 0.70, cfg.Cache.EmergencyTarget)
	assert.Equal(t, 48*time.Millisecond, cfg.Cache.HitLatencyTarget())
	assert.Equal(t, 140*time.Millisecond, cfg.Cache.MissLatencyTarget())
	assert.Equal(t, 1500, cfg.Cache.BaselineTokens)
	assert.Equal(t, 0.0, cfg.Cache.TokenCost)
	assert.Equal(t, 1.0, cfg.Cache.RecencyWeight)
	assert.Equal(t, 0.5, cfg.Cache.FrequencyWeight)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.Breaker.RollingWindow())
	assert.Equal(t, 0.5, cfg.Breaker.RecoveryFactor)
	assert.Equal(t, 0.5, cfg.Breaker.RateThreshold)
	assert.Equal(t, 10, cfg.Breaker.MinWindowSamples)

	assert.Equal(t, 50, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Executor.DefaultTimeout())

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.MaxCallsPerMinute)
	assert.Equal(t, "none", cfg.RateLimit.GlobalBackend)

	assert.Equal(t, 10, cfg.Warmer.Concurrency)
	assert.True(t, cfg.Warmer.Adaptive)
	assert.Equal(t, 0.80, cfg.Warmer.TargetHitRate)
	assert.Empty(t, cfg.Warmer.Seeds)
	assert.Equal(t, 5*time.Minute, cfg.Warmer.Interval())

	assert.Equal(t, "log", cfg.Audit.Sink)
	assert.Equal(t, time.Second, cfg.Audit.FlushInterval())

	assert.False(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
}

// TestLoad_OverlaysFileOverDefaults verifies a partial file changes
// only the keys it names, including a boolean defaulting to true.
func TestLoad_OverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9000"
cache:
  min_tokens: 250
  ttl_seconds: 120
breaker:
  timeout_seconds: 1.5
rate_limit:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 250, cfg.Cache.MinTokens)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, 1500*time.Millisecond, cfg.Breaker.Timeout())
	assert.False(t, cfg.RateLimit.Enabled, "explicit false must win over the true default")

	// Untouched keys keep their defaults.
	assert.Equal(t, "v1", cfg.Cache.Version)
	assert.Equal(t, int64(10<<20), cfg.Cache.MaxSizeBytes)
	assert.True(t, cfg.Warmer.Adaptive)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

// TestLoad_EmptyPathGivesDefaults covers the flags-only deployment.
func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoad_RejectsOutOfRangeValues walks the bound checks an operator
// is most likely to trip.
func TestLoad_RejectsOutOfRangeValues(t *testing.T) {
	cases := map[string]string{
		"pressure above one": `
cache:
  pressure_threshold: 1.5
`,
		"emergency target above pressure": `
cache:
  pressure_threshold: 0.8
  emergency_target: 0.9
`,
		"zero min tokens": `
cache:
  min_tokens: 0
`,
		"recovery factor above one": `
breaker:
  recovery_factor: 1.2
`,
		"zero executor concurrency": `
executor:
  max_concurrency: 0
`,
		"unknown global backend": `
rate_limit:
  global_backend: "carrier-pigeon"
`,
		"file sink without path": `
audit:
  sink: "file"
`,
		"sample ratio above one": `
tracing:
  sample_ratio: 1.5
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

// TestLoad_SurfacesFileProblems covers unreadable and unparseable
// files.
func TestLoad_SurfacesFileProblems(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "cache: ["))
	assert.Error(t, err)
}

// TestAudit_FileSinkAcceptsPath verifies the conditional requirement
// only binds the file sink.
func TestAudit_FileSinkAcceptsPath(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
audit:
  sink: "file"
  path: "/var/log/querygate/audit.jsonl"
`))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Audit.Sink)

	// Other sinks need no path.
	_, err = Load(writeConfig(t, `
audit:
  sink: "postgres"
`))
	assert.NoError(t, err)
}
