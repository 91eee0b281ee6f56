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

// Package kvevents publishes topology and breaker-state change events for
// downstream consumers (dashboards, autoscalers, alert pipelines). It does
// not affect cluster routing; publication failures are logged and
// swallowed by the caller, never surfaced as operation errors.
package kvevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// Producer is a minimal abstraction over a Kafka client. Implementations
// should enable idempotent production (enable.idempotence=true) and use
// the event key for partition affinity.
//
// We intentionally avoid importing a specific Kafka library in this
// interface.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// LoggingProducer logs events instead of publishing them; the default when
// no broker is configured.
type LoggingProducer struct {
	Logger *log.Logger
}

func (p *LoggingProducer) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *LoggingProducer) Produce(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.logger().Printf("kvevents: topic=%s key=%s value=%s", topic, key, value)
	return nil
}

// TopologyEvent records a bucket's config revision change.
type TopologyEvent struct {
	Bucket    string `json:"bucket"`
	Revision  int64  `json:"revision"`
	NodeCount int    `json:"node_count"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
}

// BreakerEvent records a node's circuit breaker state transition.
type BreakerEvent struct {
	Node     string `json:"node"`
	State    string `json:"state"`
	TsUnixMs int64  `json:"ts_unix_ms"`
}

// Publisher serializes and publishes topology/breaker events through a
// Producer.
type Publisher struct {
	producer       Producer
	topologyTopic  string
	breakerTopic   string
	defaultTimeout time.Duration
}

// NewPublisher returns a publisher sending topology events to
// topologyTopic and breaker events to breakerTopic.
func NewPublisher(p Producer, topologyTopic, breakerTopic string) *Publisher {
	return &Publisher{producer: p, topologyTopic: topologyTopic, breakerTopic: breakerTopic, defaultTimeout: 10 * time.Second}
}

// PublishTopologyChanged publishes a config-revision-applied event, keyed
// by bucket so per-bucket ordering is preserved.
func (p *Publisher) PublishTopologyChanged(ctx context.Context, bucket string, revision int64, nodeCount int) error {
	if bucket == "" {
		return errors.New("kvevents: bucket must be set")
	}
	ctx = p.withDefaultTimeout(ctx)
	evt := TopologyEvent{Bucket: bucket, Revision: revision, NodeCount: nodeCount, TsUnixMs: time.Now().UnixMilli()}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kvevents: marshal topology event: %w", err)
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := p.producer.Produce(ctx, p.topologyTopic, []byte(bucket), b, headers); err != nil {
		return fmt.Errorf("kvevents: produce topology event bucket=%s: %w", bucket, err)
	}
	return nil
}

// PublishBreakerStateChanged publishes a breaker state transition event,
// keyed by node.
func (p *Publisher) PublishBreakerStateChanged(ctx context.Context, node, state string) error {
	if node == "" {
		return errors.New("kvevents: node must be set")
	}
	ctx = p.withDefaultTimeout(ctx)
	evt := BreakerEvent{Node: node, State: state, TsUnixMs: time.Now().UnixMilli()}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kvevents: marshal breaker event: %w", err)
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := p.producer.Produce(ctx, p.breakerTopic, []byte(node), b, headers); err != nil {
		return fmt.Errorf("kvevents: produce breaker event node=%s: %w", node, err)
	}
	return nil
}

func (p *Publisher) withDefaultTimeout(ctx context.Context) context.Context {
	if _, ok := ctx.Deadline(); ok || p.defaultTimeout <= 0 {
		return ctx
	}
	ctx, _ = context.WithTimeout(ctx, p.defaultTimeout) //nolint:lostcancel // caller owns ctx lifetime via Produce's own deadline
	return ctx
}
