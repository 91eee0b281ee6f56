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

// Package alertdedupe suppresses repeated circuit-breaker-open alerts for
// the same node within a TTL window, so a flapping breaker doesn't spam
// downstream alerting on every trip.
package alertdedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Evaler abstracts the minimal surface needed from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or
// any equivalent.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler adapts *redis.Client (or any redis.Cmdable) to Evaler.
type GoRedisEvaler struct {
	Client redis.Cmdable
}

func (e GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return e.Client.Eval(ctx, script, keys, args...).Result()
}

// Deduper raises a breaker-open alert at most once per TTL window per node,
// using a SETNX-then-EXPIRE Lua marker for idempotency across concurrent
// callers.
type Deduper struct {
	client Evaler
	ttl    time.Duration
}

// NewDeduper returns a deduper with the given client and dedupe window.
// ttl guards against unbounded growth of alert markers.
func NewDeduper(client Evaler, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduper{client: client, ttl: ttl}
}

// dedupeLuaScript sets the marker if absent and returns 1 (fire the alert)
// or returns 0 if the marker is already present (suppress).
const dedupeLuaScript = `
local markerKey = KEYS[1]
local ttlSeconds = tonumber(ARGV[1])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

// AlertKey is the marker key for node's breaker-open alert.
func AlertKey(node string) string { return fmt.Sprintf("shardkv:breaker-open:%s", node) }

// ShouldAlert reports whether the caller should raise a breaker-open alert
// for node right now. Concurrent callers within the same TTL window will
// see exactly one true.
func (d *Deduper) ShouldAlert(ctx context.Context, node string) (bool, error) {
	if node == "" {
		return false, errors.New("alertdedupe: node must be set")
	}
	keys := []string{AlertKey(node)}
	args := []interface{}{int(d.ttl.Seconds())}
	res, err := d.client.Eval(ctx, dedupeLuaScript, keys, args...)
	if err != nil {
		return false, fmt.Errorf("alertdedupe: eval node=%s: %w", node, err)
	}
	fired, err := toInt64(res)
	if err != nil {
		return false, fmt.Errorf("alertdedupe: unexpected script result: %w", err)
	}
	return fired == 1, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("want int64, got %T", v)
	}
}
