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

// Package config holds the full knob table for the gateway as one
// YAML-loadable, validated struct. Load starts from Default and lets
// the file overwrite only the keys it names, so a minimal config file
// stays minimal.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root of the knob table.
type Config struct {
	HTTPAddr             string `yaml:"http_addr" validate:"required"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds" validate:"gte=1"`

	Cache     Cache     `yaml:"cache"`
	Breaker   Breaker   `yaml:"breaker"`
	Executor  Executor  `yaml:"executor"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Warmer    Warmer    `yaml:"warmer"`
	Audit     Audit     `yaml:"audit"`
	Telemetry Telemetry `yaml:"telemetry"`
	Tracing   Tracing   `yaml:"tracing"`
}

// Cache tunes the store, its eviction policy and the cost model.
type Cache struct {
	Version              string  `yaml:"version" validate:"required"`
	MinTokens            int     `yaml:"min_tokens" validate:"gte=1"`
	MaxSizeBytes         int64   `yaml:"max_size_bytes" validate:"gte=1024"`
	TTLSeconds           int     `yaml:"ttl_seconds" validate:"gte=1"`
	PressureThreshold    float64 `yaml:"pressure_threshold" validate:"gt=0,lte=1"`
	EmergencyTarget      float64 `yaml:"emergency_target" validate:"gt=0,ltfield=PressureThreshold"`
	HitLatencyTargetMs   int     `yaml:"hit_latency_target_ms" validate:"gte=1"`
	MissLatencyTargetMs  int     `yaml:"miss_latency_target_ms" validate:"gte=1"`
	BaselineTokens       int     `yaml:"baseline_tokens" validate:"gte=0"`
	TokenCost            float64 `yaml:"token_cost" validate:"gte=0"`
	RecencyWeight        float64 `yaml:"eviction_recency_weight" validate:"gte=0"`
	FrequencyWeight      float64 `yaml:"eviction_frequency_weight" validate:"gte=0"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds" validate:"gte=1"`
}

func (c Cache) TTL() time.Duration           { return time.Duration(c.TTLSeconds) * time.Second }
func (c Cache) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalSeconds) * time.Second }
func (c Cache) HitLatencyTarget() time.Duration {
	return time.Duration(c.HitLatencyTargetMs) * time.Millisecond
}
func (c Cache) MissLatencyTarget() time.Duration {
	return time.Duration(c.MissLatencyTargetMs) * time.Millisecond
}

// Breaker tunes the circuit breaker thresholds and recovery pace.
type Breaker struct {
	FailureThreshold     int     `yaml:"failure_threshold" validate:"gte=1"`
	SuccessThreshold     int     `yaml:"success_threshold" validate:"gte=1"`
	TimeoutSeconds       float64 `yaml:"timeout_seconds" validate:"gt=0"`
	RollingWindowSeconds float64 `yaml:"rolling_window_seconds" validate:"gt=0"`
	RecoveryFactor       float64 `yaml:"recovery_factor" validate:"gt=0,lte=1"`
	RateThreshold        float64 `yaml:"rate_threshold" validate:"gte=0,lte=1"`
	MinWindowSamples     int     `yaml:"min_window_samples" validate:"gte=1"`
}

func (b Breaker) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds * float64(time.Second))
}
func (b Breaker) RollingWindow() time.Duration {
	return time.Duration(b.RollingWindowSeconds * float64(time.Second))
}

// Executor tunes the tool-dispatch pipeline.
type Executor struct {
	MaxConcurrency   int `yaml:"max_concurrency" validate:"gte=1"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms" validate:"gte=1"`
}

func (e Executor) DefaultTimeout() time.Duration {
	return time.Duration(e.DefaultTimeoutMs) * time.Millisecond
}

// RateLimit tunes the per-user buckets and the optional global gate.
type RateLimit struct {
	Enabled                 bool   `yaml:"enabled"`
	MaxCallsPerMinute       int    `yaml:"max_calls_per_minute" validate:"gte=1"`
	GlobalBackend           string `yaml:"global_backend" validate:"omitempty,oneof=none memory redis"`
	GlobalCapacityPerMinute int    `yaml:"global_capacity_per_minute" validate:"gte=1"`
	RedisAddr               string `yaml:"redis_addr"`
	RedisKey                string `yaml:"redis_key" validate:"required"`
}

// Warmer tunes cache pre-population. Seeds fixes the warm list; with
// an interval it re-runs periodically, otherwise once at startup.
type Warmer struct {
	Concurrency     int      `yaml:"concurrency" validate:"gte=1"`
	Adaptive        bool     `yaml:"adaptive"`
	TargetHitRate   float64  `yaml:"target_hit_rate" validate:"gt=0,lte=1"`
	Seeds           []string `yaml:"seeds"`
	IntervalSeconds int      `yaml:"interval_seconds" validate:"gte=0"`
}

// Interval returns the periodic re-warm cadence; zero means warm once.
func (w Warmer) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

// Audit selects and tunes the tool-invocation audit trail. PostgresDSN
// is only read when the sink is "postgres"; it is checked at wiring
// time, not here, so configs can template the sink choice separately
// from credentials.
type Audit struct {
	Sink            string `yaml:"sink" validate:"omitempty,oneof=log file kafka postgres"`
	Path            string `yaml:"path" validate:"required_if=Sink file"`
	KafkaTopic      string `yaml:"kafka_topic"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	QueueSize       int    `yaml:"queue_size" validate:"gte=1"`
	BatchSize       int    `yaml:"batch_size" validate:"gte=1"`
	FlushIntervalMs int    `yaml:"flush_interval_ms" validate:"gte=1"`
}

func (a Audit) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// Telemetry tunes the opt-in metrics surface.
type Telemetry struct {
	Enabled            bool   `yaml:"enabled"`
	MetricsAddr        string `yaml:"metrics_addr"`
	LogIntervalSeconds int    `yaml:"log_interval_seconds" validate:"gte=0"`
}

func (t Telemetry) LogInterval() time.Duration {
	return time.Duration(t.LogIntervalSeconds) * time.Second
}

// Tracing tunes the opt-in OpenTelemetry setup.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	Environment string  `yaml:"environment"`
}

// Default returns the documented defaults for every knob.
func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		ShutdownGraceSeconds: 10,
		Cache: Cache{
			Version:              "v1",
			MinTokens:            500,
			MaxSizeBytes:         10 << 20,
			TTLSeconds:           3600,
			PressureThreshold:    0.80,
			EmergencyTarget:      0.70,
			HitLatencyTargetMs:   48,
			MissLatencyTargetMs:  140,
			BaselineTokens:       1500,
			TokenCost:            0,
			RecencyWeight:        1.0,
			FrequencyWeight:      0.5,
			SweepIntervalSeconds: 60,
		},
		Breaker: Breaker{
			FailureThreshold:     5,
			SuccessThreshold:     3,
			TimeoutSeconds:       60,
			RollingWindowSeconds: 300,
			RecoveryFactor:       0.5,
			RateThreshold:        0.5,
			MinWindowSamples:     10,
		},
		Executor: Executor{
			MaxConcurrency:   50,
			DefaultTimeoutMs: 30000,
		},
		RateLimit: RateLimit{
			Enabled:                 true,
			MaxCallsPerMinute:       60,
			GlobalBackend:           "none",
			GlobalCapacityPerMinute: 600,
			RedisKey:                "querygate:global",
		},
		Warmer: Warmer{
			Concurrency:     10,
			Adaptive:        true,
			TargetHitRate:   0.80,
			IntervalSeconds: 300,
		},
		Audit: Audit{
			Sink:            "log",
			KafkaTopic:      "querygate-audit",
			QueueSize:       1024,
			BatchSize:       64,
			FlushIntervalMs: 1000,
		},
		Telemetry: Telemetry{
			Enabled:            false,
			LogIntervalSeconds: 0,
		},
		Tracing: Tracing{
			Enabled:     false,
			SampleRatio: 1.0,
			Environment: "dev",
		},
	}
}

var validate = validator.New()

// Validate checks every knob against its declared bounds.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// Load returns Default overlaid with the YAML file at path. An empty
// path means defaults only. Keys absent from the file keep their
// defaults, including booleans that default to true.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
