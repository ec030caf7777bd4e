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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Producer is a minimal abstraction over a Kafka client.
//
// Requirements for real implementations:
//   - Idempotent producer ON (enable.idempotence=true)
//   - Use the event ID as the message key so broker dedup and per-key
//     ordering hold across flush retries
//   - Acks=all recommended
//
// No specific Kafka library is imported here; wire the client you
// already run.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaSink publishes audit events as JSON messages keyed by event ID.
// Downstream consumers dedupe on the key, which keeps replayed flushes
// harmless.
type KafkaSink struct {
	producer       Producer
	topic          string
	defaultTimeout time.Duration
}

// NewKafkaSink returns a sink publishing to topic through p.
func NewKafkaSink(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// Write implements Sink.
func (k *KafkaSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	headers := map[string]string{"content-type": "application/json"}
	for i := range events {
		b, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", events[i].ID, err)
		}
		if err := k.producer.Produce(ctx, k.topic, []byte(events[i].ID), b, headers); err != nil {
			return fmt.Errorf("kafka produce tool=%s event=%s: %w", events[i].Tool, events[i].ID, err)
		}
	}
	return nil
}

// LoggingProducer is a demo Producer that logs instead of publishing,
// so the kafka sink can be selected without a broker. Not for
// production use.
type LoggingProducer struct {
	Logger *zap.Logger
}

// Produce implements Producer.
func (p LoggingProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, _ map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("kafka-demo produce",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.String("value", truncate(string(value), 256)),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
