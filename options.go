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

package shardkv

import (
	"crypto/tls"
	"database/sql"
	"log"
	"time"

	"github.com/shardkv/shardkv-go/internal/alertdedupe"
	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/kvevents"
	"github.com/shardkv/shardkv-go/internal/kvpool"
	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
)

// Options configures a Connect call: credentials, transport, pool sizing,
// and the optional ambient stack (metrics, events, audit).
type Options struct {
	Username string
	Password string

	// TLSConfig enables couchbases://-style encrypted transport when
	// non-nil. A plain couchbase:// connection string with a non-nil
	// TLSConfig still dials with TLS; this field, not the scheme alone, is
	// authoritative.
	TLSConfig *tls.Config

	// PoolMinSize and PoolMaxSize bound each node's connection pool.
	// Zero selects kvpool's defaults.
	PoolMinSize int
	PoolMaxSize int

	// KVTimeout bounds non-durable operations; KVDurabilityTimeout bounds
	// operations carrying a durability requirement.
	KVTimeout           time.Duration
	KVDurabilityTimeout time.Duration

	Hello kvconn.HelloOptions

	// Logger receives ambient diagnostic output. Defaults to log.Default().
	Logger *log.Logger

	// Metrics enables the internal/telemetry/kvmetrics Prometheus registry.
	Metrics kvmetrics.Config

	// EventsProducer receives topology-changed and breaker-state-changed
	// events. Defaults to a LoggingProducer when nil.
	EventsProducer        kvevents.Producer
	TopologyEventsTopic   string
	BreakerEventsTopic    string

	// AuditDB, when non-nil, enables a durable audit trail of circuit
	// breaker trips via internal/kvaudit.
	AuditDB *sql.DB

	// AlertDeduper, when non-nil, suppresses repeated breaker-open
	// publications/audits for the same node within its TTL window.
	AlertDeduper *alertdedupe.Deduper
}

func (o Options) withDefaults() Options {
	if o.PoolMinSize <= 0 {
		o.PoolMinSize = kvpool.DefaultMinSize
	}
	if o.PoolMaxSize <= 0 {
		o.PoolMaxSize = kvpool.DefaultMaxSize
	}
	if o.KVTimeout <= 0 {
		o.KVTimeout = 2500 * time.Millisecond
	}
	if o.KVDurabilityTimeout <= 0 {
		o.KVDurabilityTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.TopologyEventsTopic == "" {
		o.TopologyEventsTopic = "shardkv.topology"
	}
	if o.BreakerEventsTopic == "" {
		o.BreakerEventsTopic = "shardkv.breaker"
	}
	return o
}
