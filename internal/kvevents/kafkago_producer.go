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
	"context"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaGoProducer implements Producer on top of segmentio/kafka-go. One
// writer is shared across all topics published through Produce; kafka-go
// multiplexes per-topic connections internally.
type KafkaGoProducer struct {
	writer *kafka.Writer
}

// NewKafkaGoProducer dials brokers lazily (kafka-go writers connect on
// first write) and returns a producer suitable for a Publisher.
func NewKafkaGoProducer(brokers []string) *KafkaGoProducer {
	return &KafkaGoProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

// Produce writes a single message to topic, converting headers to
// kafka-go's header representation.
func (p *KafkaGoProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	hdrs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hdrs = append(hdrs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: hdrs,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaGoProducer) Close() error {
	return p.writer.Close()
}
