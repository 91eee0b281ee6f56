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

package kvevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
)

type fakeProducer struct {
	calls []struct {
		topic   string
		key     []byte
		value   []byte
		headers map[string]string
	}
	returnErr error
}

func (f *fakeProducer) Produce(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if f.returnErr != nil {
		return f.returnErr
	}
	f.calls = append(f.calls, struct {
		topic   string
		key     []byte
		value   []byte
		headers map[string]string
	}{topic: topic, key: append([]byte{}, key...), value: append([]byte{}, value...), headers: headers})
	return nil
}

func TestLoggingProducerWritesToLogger(t *testing.T) {
	var buf bytes.Buffer
	p := &LoggingProducer{Logger: log.New(&buf, "", 0)}
	if err := p.Produce(context.Background(), "topo", []byte("b1"), []byte(`{"bucket":"b1"}`), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "topo") || !strings.Contains(buf.String(), "b1") {
		t.Fatalf("expected log output to mention topic/key, got %q", buf.String())
	}
}

func TestPublishTopologyChangedMarshalsEvent(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewPublisher(fp, "shardkv.topology", "shardkv.breaker")

	if err := pub.PublishTopologyChanged(context.Background(), "default", 42, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fp.calls))
	}
	call := fp.calls[0]
	if call.topic != "shardkv.topology" {
		t.Fatalf("topic = %q, want shardkv.topology", call.topic)
	}
	if string(call.key) != "default" {
		t.Fatalf("key = %q, want default", call.key)
	}
	var evt TopologyEvent
	if err := json.Unmarshal(call.value, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Bucket != "default" || evt.Revision != 42 || evt.NodeCount != 5 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if call.headers["content-type"] != "application/json" {
		t.Fatalf("missing content-type header: %v", call.headers)
	}
}

func TestPublishTopologyChangedRequiresBucket(t *testing.T) {
	pub := NewPublisher(&fakeProducer{}, "t", "b")
	if err := pub.PublishTopologyChanged(context.Background(), "", 1, 1); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}

func TestPublishBreakerStateChangedMarshalsEvent(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewPublisher(fp, "shardkv.topology", "shardkv.breaker")

	if err := pub.PublishBreakerStateChanged(context.Background(), "node-a:11210", "open"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fp.calls))
	}
	call := fp.calls[0]
	if call.topic != "shardkv.breaker" {
		t.Fatalf("topic = %q, want shardkv.breaker", call.topic)
	}
	var evt BreakerEvent
	if err := json.Unmarshal(call.value, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Node != "node-a:11210" || evt.State != "open" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestPublishBreakerStateChangedRequiresNode(t *testing.T) {
	pub := NewPublisher(&fakeProducer{}, "t", "b")
	if err := pub.PublishBreakerStateChanged(context.Background(), "", "open"); err == nil {
		t.Fatalf("expected error for empty node")
	}
}

func TestPublishErrorWrapsProducerFailure(t *testing.T) {
	fp := &fakeProducer{returnErr: errors.New("broker unreachable")}
	pub := NewPublisher(fp, "t", "b")

	err := pub.PublishTopologyChanged(context.Background(), "default", 1, 1)
	if err == nil || !strings.Contains(err.Error(), "broker unreachable") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
