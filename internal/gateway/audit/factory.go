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

package audit

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SinkOptions carries the knobs BuildSink needs.
type SinkOptions struct {
	Path       string      // file sink target
	KafkaTopic string      // kafka sink topic (default "querygate-audit")
	Producer   Producer    // real Kafka client; nil selects the logging demo producer
	DB         *sql.DB     // postgres sink connection; required for "postgres"
	Logger     *zap.Logger
}

// BuildSink constructs a Sink from a string selector:
//   - "", "log": structured log lines (default)
//   - "file":    append-only JSONL at opts.Path
//   - "kafka":   JSON messages keyed by event ID; logging demo producer
//     when no real one is wired
//   - "postgres": tool_audit table via opts.DB
//
// The string selector exists so deployments can switch sinks from
// configuration without new wiring code.
func BuildSink(kind string, opts SinkOptions) (Sink, error) {
	switch kind {
	case "", "log":
		return NewLogSink(opts.Logger), nil
	case "file":
		if opts.Path == "" {
			return nil, errors.New("audit: file sink requires a path")
		}
		return NewFileSink(opts.Path)
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "querygate-audit"
		}
		producer := opts.Producer
		if producer == nil {
			producer = LoggingProducer{Logger: opts.Logger}
		}
		return NewKafkaSink(producer, topic), nil
	case "postgres":
		if opts.DB == nil {
			return nil, errors.New("audit: postgres sink requires a wired *sql.DB and an existing tool_audit table")
		}
		return NewPostgresSink(opts.DB), nil
	default:
		return nil, fmt.Errorf("unknown audit sink: %s", kind)
	}
}
