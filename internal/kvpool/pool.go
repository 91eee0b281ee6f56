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

// Package kvpool implements a bounded, elastic per-node connection pool:
// a single intake queue feeding one consumer per live connection,
// dead-connection cleanup, and scale(delta) driven by an internal
// hysteresis controller. Connection lifecycle (construction,
// destruction, the max-size ceiling) is delegated to
// github.com/jackc/puddle/v2; this package adds the bounded intake queue,
// the freeze lock, and the dispatch model puddle alone doesn't provide.
package kvpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// IntakeCapacity is the fixed bound on the pool's intake queue.
const IntakeCapacity = 1024

// DefaultMinSize and DefaultMaxSize are the pool's default bounds.
const (
	DefaultMinSize = 2
	DefaultMaxSize = 5
)

var (
	// ErrDisposed is returned by operations on a disposed pool.
	ErrDisposed = errors.New("kvpool: pool disposed")
	// ErrNoConnections is returned by Initialize when every dial attempt
	// failed.
	ErrNoConnections = errors.New("kvpool: no connections could be opened")
)

// Dialer opens and fully authenticates one connection to the pool's node:
// TCP dial, HELLO, GET_ERROR_MAP, SASL, and (if the node is already bucket-
// assigned) SELECT_BUCKET. Supplied by the root package's nodeFactory.
type Dialer func(ctx context.Context) (*kvconn.Connection, error)

type worker struct {
	res    *puddle.Resource[*kvconn.Connection]
	stopCh chan struct{}
	done   chan struct{}
}

// Pool is a bounded, elastic set of connections to one cluster node.
type Pool struct {
	dial     Dialer
	min, max int

	puddle *puddle.Pool[*kvconn.Connection]
	intake *intakeQueue

	workers sync.Map // uint64 connection ID -> *worker

	freezeMu sync.Mutex
	disposed atomic.Bool
	size     atomic.Int64

	scaleCtl *scaleController
}

// New constructs a pool for one node. Connections are not opened until
// Initialize runs.
func New(dial Dialer, min, max int) (*Pool, error) {
	if min <= 0 {
		min = DefaultMinSize
	}
	if max < min {
		max = DefaultMaxSize
	}
	p := &Pool{
		dial:   dial,
		min:    min,
		max:    max,
		intake: newIntakeQueue(IntakeCapacity),
	}

	pd, err := puddle.NewPool(&puddle.Config[*kvconn.Connection]{
		Constructor: func(ctx context.Context) (*kvconn.Connection, error) {
			return dial(ctx)
		},
		Destructor: func(c *kvconn.Connection) {
			_ = c.Close(2 * time.Second)
		},
		MaxSize: int32(max),
	})
	if err != nil {
		return nil, fmt.Errorf("kvpool: new puddle pool: %w", err)
	}
	p.puddle = pd
	p.scaleCtl = newScaleController(p)
	return p, nil
}

// Initialize opens min connections in parallel. Partial
// success is retained; Initialize fails only if every dial attempt
// failed. On success it starts the scale controller.
func (p *Pool) Initialize(ctx context.Context) error {
	results := make([]*puddle.Resource[*kvconn.Connection], p.min)
	errs := make([]error, p.min)

	var g errgroup.Group
	for i := 0; i < p.min; i++ {
		i := i
		g.Go(func() error {
			res, err := p.puddle.Acquire(ctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var opened int
	var firstErr error
	for i, res := range results {
		if res != nil {
			p.spawnWorker(res)
			opened++
			continue
		}
		if firstErr == nil {
			firstErr = errs[i]
		}
	}
	if opened == 0 {
		return fmt.Errorf("%w: %v", ErrNoConnections, firstErr)
	}
	p.scaleCtl.start()
	return nil
}

func (p *Pool) spawnWorker(res *puddle.Resource[*kvconn.Connection]) {
	w := &worker{res: res, stopCh: make(chan struct{}), done: make(chan struct{})}
	p.workers.Store(res.Value().ID, w)
	p.size.Add(1)
	go p.runWorker(w)
}

// runWorker is the single consumer task for one connection.
func (p *Pool) runWorker(w *worker) {
	defer close(w.done)
	conn := w.res.Value()
	for {
		select {
		case <-w.stopCh:
			return
		case req := <-p.intake.pop():
			p.intake.popped()
			if conn.IsDead() {
				go p.requeueOrFail(req)
				p.unlinkDeadWorker(w)
				return
			}
			pkt, err := conn.Send(req.ctx, req.op)
			select {
			case req.resultCh <- kvconn.Result{Packet: pkt, Err: err}:
			default:
			}
		}
	}
}

func (p *Pool) requeueOrFail(req *pendingSend) {
	select {
	case p.intake.ch <- req:
		p.intake.depth.Add(1)
	case <-req.ctx.Done():
		select {
		case req.resultCh <- kvconn.Result{Err: req.ctx.Err()}:
		default:
		}
	}
}

// unlinkDeadWorker removes w from the live set and schedules
// cleanup_dead_connections,
func (p *Pool) unlinkDeadWorker(w *worker) {
	p.workers.Delete(w.res.Value().ID)
	p.size.Add(-1)
	w.res.Destroy()
	go p.cleanupDeadConnections(context.Background())
}

// cleanupDeadConnections removes any remaining dead connections and opens
// replacements up to min, under the freeze lock. A failure to open a
// replacement ends this call; while the pool is below min, the scale
// controller calls it again on each tick.
func (p *Pool) cleanupDeadConnections(ctx context.Context) {
	p.freezeMu.Lock()
	defer p.freezeMu.Unlock()
	if p.disposed.Load() {
		return
	}

	p.workers.Range(func(key, value any) bool {
		w := value.(*worker)
		if w.res.Value().IsDead() {
			close(w.stopCh)
			<-w.done
			p.workers.Delete(key)
			p.size.Add(-1)
			w.res.Destroy()
		}
		return true
	})

	for p.size.Load() < int64(p.min) {
		res, err := p.puddle.Acquire(ctx)
		if err != nil {
			// The error is not logged; the pool stays below min until
			// the scale controller's next tick retries.
			return
		}
		p.spawnWorker(res)
	}
}

// QueueSend enqueues op onto the intake queue and waits for the owning
// connection's response, cancellation, or the queue itself rejecting
// admission once the pool is disposed.
func (p *Pool) QueueSend(ctx context.Context, op kvconn.Op) (*wireproto.Packet, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	if p.size.Load() == 0 {
		go p.cleanupDeadConnections(context.Background())
	}

	req := &pendingSend{op: op, ctx: ctx, resultCh: make(chan kvconn.Result, 1)}
	if err := p.intake.push(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.resultCh:
		return res.Packet, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scale adds or removes connections. delta > 0 opens min(delta,
// max-size) new connections; delta < 0 stops min(-delta, size-min)
// connections, chosen by longest idle time.
func (p *Pool) Scale(ctx context.Context, delta int) {
	if p.disposed.Load() || delta == 0 {
		return
	}
	p.freezeMu.Lock()
	defer p.freezeMu.Unlock()

	if delta > 0 {
		n := delta
		if room := int(p.max) - int(p.size.Load()); n > room {
			n = room
		}
		if n <= 0 {
			return
		}
		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				res, err := p.puddle.Acquire(ctx)
				if err != nil {
					return nil
				}
				p.spawnWorker(res)
				return nil
			})
		}
		_ = g.Wait()
		return
	}

	n := -delta
	if room := int(p.size.Load()) - p.min; n > room {
		n = room
	}
	if n <= 0 {
		return
	}
	for _, w := range p.selectScaleDownVictims(n) {
		w := w
		p.workers.Delete(w.res.Value().ID)
		p.size.Add(-1)
		go func() {
			close(w.stopCh)
			<-w.done
			w.res.Destroy()
		}()
	}
}

// selectScaleDownVictims orders live, currently-idle connections by idle
// time descending and returns up to n of them. A connection with an
// in-flight op reports IdleTime() == 0 and is never selected.
func (p *Pool) selectScaleDownVictims(n int) []*worker {
	var candidates []*worker
	p.workers.Range(func(_, v any) bool {
		w := v.(*worker)
		if w.res.Value().IdleTime() > 0 {
			candidates = append(candidates, w)
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].res.Value().IdleTime() > candidates[j].res.Value().IdleTime()
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Freeze acquires the pool-exclusive structural lock and returns the
// release function. While held, no scale or cleanup may proceed; used by clusternode to broadcast SELECT_BUCKET safely.
func (p *Pool) Freeze() func() {
	p.freezeMu.Lock()
	return p.freezeMu.Unlock
}

// Connections returns a snapshot of all live connections, for broadcast
// operations run under Freeze.
func (p *Pool) Connections() []*kvconn.Connection {
	var out []*kvconn.Connection
	p.workers.Range(func(_, v any) bool {
		out = append(out, v.(*worker).res.Value())
		return true
	})
	return out
}

// Size reports the current connection count.
func (p *Pool) Size() int { return int(p.size.Load()) }

// PendingCount reports the current intake queue depth.
func (p *Pool) PendingCount() int64 { return p.intake.Depth() }

// Dispose cancels the scale controller, drains the intake queue (failing
// anything still waiting with ErrDisposed), disposes every connection,
// and permanently marks the pool disposed.
func (p *Pool) Dispose() {
	if !p.disposed.CompareAndSwap(false, true) {
		return
	}
	p.scaleCtl.stop()

	p.freezeMu.Lock()
	defer p.freezeMu.Unlock()

	for _, req := range p.intake.drain() {
		select {
		case req.resultCh <- kvconn.Result{Err: ErrDisposed}:
		default:
		}
	}

	var ids []uint64
	p.workers.Range(func(k, v any) bool {
		w := v.(*worker)
		close(w.stopCh)
		<-w.done
		w.res.Destroy()
		ids = append(ids, k.(uint64))
		return true
	})
	for _, id := range ids {
		p.workers.Delete(id)
	}
	p.size.Store(0)
	p.puddle.Close()
}
