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

package clusternode

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
)

// OnBreakerStateChange is called after every node breaker transition, in
// addition to the metrics observation. Nil by default; the root package
// wires it to kvevents.Publisher.PublishBreakerStateChanged so trips are
// visible to downstream alerting without clusternode importing kvevents
// directly.
var OnBreakerStateChange func(node, state string)

// Breaker wraps a two-step circuit breaker per node. The two-step form
// is used instead of Execute because HalfOpen must run a canary no-op
// rather than the caller's real operation, and Closed must still fail the
// outer call distinctly from a HalfOpen rejection.
type Breaker struct {
	tcb *gobreaker.TwoStepCircuitBreaker[any]
}

// NewBreaker builds a breaker that trips after 5 consecutive failures and
// waits 30s before probing again.
func NewBreaker(name string) *Breaker {
	tcb := gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			kvmetrics.ObserveBreakerTransition(name, to.String())
			if OnBreakerStateChange != nil {
				OnBreakerStateChange(name, to.String())
			}
		},
	})
	return &Breaker{tcb: tcb}
}

// State reports the breaker's current state.
func (b *Breaker) State() gobreaker.State { return b.tcb.State() }

// Allow requests permission to proceed. On success it returns a callback
// the caller must invoke with the outcome once known.
func (b *Breaker) Allow() (func(success bool), error) {
	return b.tcb.Allow()
}
