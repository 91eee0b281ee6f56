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

package kvpool

import (
	"context"
	"sync/atomic"

	"github.com/shardkv/shardkv-go/internal/kvconn"
)

// pendingSend is one admitted operation sitting in the intake queue,
// waiting for a connection's consumer to pick it up.
type pendingSend struct {
	op       kvconn.Op
	ctx      context.Context
	resultCh chan kvconn.Result
}

// intakeQueue is the pool's single bounded multi-producer, multi-consumer
// queue. The channel itself enforces the bound; depth is additionally
// tracked with an atomic counter in the style of a simple admission
// counter, so the scale controller can read queue pressure without
// racing the channel's internal length.
type intakeQueue struct {
	ch    chan *pendingSend
	depth atomic.Int64
}

func newIntakeQueue(capacity int) *intakeQueue {
	return &intakeQueue{ch: make(chan *pendingSend, capacity)}
}

// push admits req onto the queue, suspending the caller until there is
// room or ctx is done.
func (q *intakeQueue) push(ctx context.Context, req *pendingSend) error {
	select {
	case q.ch <- req:
		q.depth.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop exposes the receive side for a connection's consumer loop to select
// on alongside its stop channel.
func (q *intakeQueue) pop() <-chan *pendingSend {
	return q.ch
}

// popped must be called by a consumer immediately after receiving from
// pop(), to keep the depth counter accurate.
func (q *intakeQueue) popped() {
	q.depth.Add(-1)
}

// Depth returns the current queue length as observed by the admission
// counter, used by the scale controller's hysteresis gate.
func (q *intakeQueue) Depth() int64 {
	return q.depth.Load()
}

// drain empties the queue without blocking, for use during dispose.
func (q *intakeQueue) drain() []*pendingSend {
	var out []*pendingSend
	for {
		select {
		case req := <-q.ch:
			q.depth.Add(-1)
			out = append(out, req)
		default:
			return out
		}
	}
}
