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
	"database/sql"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS tool_audit (
//   id TEXT PRIMARY KEY,
//   ts TIMESTAMPTZ NOT NULL,
//   user_id TEXT,
//   tool TEXT NOT NULL,
//   call_id TEXT NOT NULL,
//   outcome TEXT NOT NULL,
//   status INT NOT NULL,
//   duration_ms BIGINT NOT NULL,
//   error TEXT
// );
// CREATE INDEX IF NOT EXISTS idx_tool_audit_tool_ts ON tool_audit(tool, ts);
// CREATE INDEX IF NOT EXISTS idx_tool_audit_user_ts ON tool_audit(user_id, ts);

// PostgresSink writes batches into the tool_audit table, one
// transaction per flush. ON CONFLICT DO NOTHING on the event ID keeps
// replayed flushes idempotent.
type PostgresSink struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresSink returns a sink over db. The table must already exist.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, defaultTimeout: 10 * time.Second}
}

// Write implements Sink.
func (p *PostgresSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := range events {
		e := &events[i]
		if e.ID == "" {
			return fmt.Errorf("audit event for call %s has no ID", e.CallID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_audit(id, ts, user_id, tool, call_id, outcome, status, duration_ms, error)
			   VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Time, e.UserID, e.Tool, e.CallID, e.Outcome, e.Status, e.DurationMS, e.Error); err != nil {
			return fmt.Errorf("insert tool_audit(%s): %w", e.ID, err)
		}
	}

	return tx.Commit()
}
