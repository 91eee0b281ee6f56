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

// Package kvaudit persists a durable, idempotent record of circuit breaker
// trips and operation timeouts, for incident review after the fact. It is
// independent of cluster routing: a failed audit write never fails the
// operation that triggered it.
package kvaudit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS audit_events (
//   event_id TEXT PRIMARY KEY,
//   node TEXT NOT NULL,
//   kind TEXT NOT NULL,
//   detail TEXT,
//   occurred_at TIMESTAMPTZ NOT NULL
// );
// CREATE INDEX IF NOT EXISTS idx_audit_events_node ON audit_events(node);
//
// Idempotent per entry: INSERT ... ON CONFLICT (event_id) DO NOTHING, so a
// retried batch after a partial failure never double-records an event.

// Kind enumerates the audited event categories.
type Kind string

const (
	KindBreakerOpen      Kind = "breaker_open"
	KindBreakerClosed    Kind = "breaker_closed"
	KindBreakerHalfOpen  Kind = "breaker_half_open"
	KindOperationTimeout Kind = "operation_timeout"
)

// Entry is one auditable event. EventID must be unique per logical
// occurrence; callers that cannot supply one should use EventID to derive
// a stable one (node+kind+timestamp is sufficient for breaker transitions,
// since gobreaker never fires the same transition twice in the same
// nanosecond).
type Entry struct {
	EventID    string
	Node       string
	Kind       Kind
	Detail     string
	OccurredAt time.Time
}

// EventID derives a stable idempotency key for a breaker transition.
func EventID(node string, kind Kind, occurredAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", node, kind, occurredAt.UnixNano())
}

// Log writes audit entries to Postgres within a single transaction per
// batch, tolerating duplicate event ids.
type Log struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// Open wraps an already-configured *sql.DB (driver "postgres", registered
// by the blank lib/pq import above).
func Open(db *sql.DB) *Log {
	return &Log{db: db, defaultTimeout: 10 * time.Second}
}

// RecordBatch persists entries idempotently. A retried batch containing
// already-recorded event ids is a no-op for those rows.
func (l *Log) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && l.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.defaultTimeout)
		defer cancel()
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if e.EventID == "" {
			return errors.New("kvaudit: Entry.EventID must be set")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events(event_id, node, kind, detail, occurred_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, e.Node, string(e.Kind), e.Detail, e.OccurredAt); err != nil {
			return fmt.Errorf("kvaudit: insert audit_events(%s): %w", e.EventID, err)
		}
	}

	return tx.Commit()
}

// RecordBreakerTransition is a convenience wrapper used as a
// clusternode.OnBreakerStateChange callback.
func (l *Log) RecordBreakerTransition(ctx context.Context, node, state string) error {
	now := time.Now()
	kind := stateToKind(state)
	return l.RecordBatch(ctx, []Entry{{
		EventID:    EventID(node, kind, now),
		Node:       node,
		Kind:       kind,
		OccurredAt: now,
	}})
}

func stateToKind(state string) Kind {
	switch state {
	case "open":
		return KindBreakerOpen
	case "half-open":
		return KindBreakerHalfOpen
	default:
		return KindBreakerClosed
	}
}
