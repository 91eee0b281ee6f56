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

// Package clusternode implements the mutable per-server-node record:
// identity, negotiated features, server error map, service URIs, circuit
// breaker, owning bucket, and the node's connection pool. Node.Send is
// the operation pipeline every public KV call funnels through.
package clusternode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/kvpool"
	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// Service identifies one of a node's addressable services.
type Service string

const (
	ServiceKV        Service = "kv"
	ServiceMgmt      Service = "mgmt"
	ServiceViews     Service = "views"
	ServiceQuery     Service = "query"
	ServiceAnalytics Service = "analytics"
	ServiceSearch    Service = "search"
)

// BucketType distinguishes document (vBucket-routed) buckets from
// memcached (ketama-routed) buckets.
type BucketType int

const (
	BucketTypeDocument BucketType = iota
	BucketTypeMemcached
)

// ErrCircuitOpen is returned when a send is rejected by the node's circuit
// breaker, whether fully open or probing in half-open state.
var ErrCircuitOpen = errors.New("clusternode: circuit breaker open")

// defaultMaxOpRetries bounds how many times Send will retry a single
// operation on the server's own retry advice, regardless of what the error
// map's ceiling/max-duration fields allow.
const defaultMaxOpRetries = 5

// OpError classifies a failed Send the way callers need to branch: the
// fixed error Kind, the originating wire status (zero if the failure
// never reached the wire), and the underlying error.
type OpError struct {
	Kind   wireproto.Kind
	Status wireproto.Status
	Err    error
}

func (e *OpError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("clusternode: %s (status %v): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("clusternode: %s: %v", e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NotMyVBucketHandler receives the config embedded in a NotMyVBucket
// response body for publication to the cluster context. Wired by
// internal/clustermap.
type NotMyVBucketHandler func(config []byte)

// Node is one server's identity, capabilities, and connection pool.
type Node struct {
	ID                string
	Endpoint          string
	BootstrapEndpoint string
	BucketType        BucketType

	Pool    *kvpool.Pool
	breaker *Breaker

	mu           sync.RWMutex
	features     map[kvconn.Feature]bool
	errorMap     *wireproto.ErrorMap
	serviceURIs  map[Service]string
	lastActivity map[Service]time.Time
	bucket       string

	kvTimeout           time.Duration
	kvDurabilityTimeout time.Duration
}

// New constructs a node record. Callers initialize Pool separately and
// attach it before the node is used.
func New(endpoint, bootstrapEndpoint string, bucketType BucketType, pool *kvpool.Pool, kvTimeout, kvDurabilityTimeout time.Duration) *Node {
	return &Node{
		ID:                  uuid.NewString(),
		Endpoint:            endpoint,
		BootstrapEndpoint:   bootstrapEndpoint,
		BucketType:          bucketType,
		Pool:                pool,
		breaker:             NewBreaker(endpoint),
		serviceURIs:         make(map[Service]string),
		lastActivity:        make(map[Service]time.Time),
		kvTimeout:           kvTimeout,
		kvDurabilityTimeout: kvDurabilityTimeout,
	}
}

// SetServiceURI records the address for one of this node's services.
func (n *Node) SetServiceURI(s Service, uri string) {
	n.mu.Lock()
	n.serviceURIs[s] = uri
	n.mu.Unlock()
}

// ServiceURI returns the address for s, if the node advertises it.
func (n *Node) ServiceURI(s Service) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	u, ok := n.serviceURIs[s]
	return u, ok
}

// LastActivity reports when s was last used on this node.
func (n *Node) LastActivity(s Service) (time.Time, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.lastActivity[s]
	return t, ok
}

func (n *Node) touch(s Service) {
	n.mu.Lock()
	n.lastActivity[s] = time.Now()
	n.mu.Unlock()
}

// SetFeatures records the HELLO-negotiated feature set.
func (n *Node) SetFeatures(f map[kvconn.Feature]bool) {
	n.mu.Lock()
	n.features = f
	n.mu.Unlock()
}

// HasFeature reports whether a feature was accepted during negotiation.
func (n *Node) HasFeature(f kvconn.Feature) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.features[f]
}

// SetErrorMap records the server's GET_ERROR_MAP response.
func (n *Node) SetErrorMap(em *wireproto.ErrorMap) {
	n.mu.Lock()
	n.errorMap = em
	n.mu.Unlock()
}

// Bucket returns the owning bucket name, or "" if unassigned.
func (n *Node) Bucket() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bucket
}

// SelectBucket transitions the node from unassigned to assigned by
// broadcasting SELECT_BUCKET to every pool connection under a freeze, then
// recording the owner.
func (n *Node) SelectBucket(ctx context.Context, bucket string) error {
	release := n.Pool.Freeze()
	defer release()

	for _, conn := range n.Pool.Connections() {
		if err := conn.SelectBucket(ctx, bucket); err != nil {
			return fmt.Errorf("clusternode: select bucket on connection %d: %w", conn.ID, err)
		}
	}

	n.mu.Lock()
	n.bucket = bucket
	n.mu.Unlock()
	return nil
}

// Send runs one operation through the node's breaker-gated pipeline,
// retrying on the server's own published retry advice (GET_ERROR_MAP) up
// to defaultMaxOpRetries times. hasDurability selects between kv_timeout
// and kv_durability_timeout; onNotMyVBucket, if non-nil, receives the
// embedded config from a NotMyVBucket response.
func (n *Node) Send(ctx context.Context, op kvconn.Op, hasDurability bool, onNotMyVBucket NotMyVBucketHandler) (*wireproto.Packet, error) {
	for attempt := 0; ; attempt++ {
		pkt, err := n.sendOnce(ctx, op, hasDurability, onNotMyVBucket)
		if err == nil {
			return pkt, nil
		}

		var opErr *OpError
		// NotMyVBucket is a routing signal the caller re-resolves against;
		// retrying in place against the same node would just repeat it.
		if !errors.As(err, &opErr) || opErr.Status == 0 || opErr.Kind == wireproto.KindNotMyVBucket {
			return nil, err
		}
		spec, retriable := n.retrySpec(opErr.Status)
		if !retriable || attempt >= defaultMaxOpRetries {
			return nil, err
		}

		delay := retryDelay(spec, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

// retrySpec consults the server-published error map, if any, for retry
// advice on status.
func (n *Node) retrySpec(status wireproto.Status) (wireproto.RetrySpec, bool) {
	n.mu.RLock()
	em := n.errorMap
	n.mu.RUnlock()
	if em == nil {
		return wireproto.RetrySpec{}, false
	}
	return em.Retriable(status)
}

// retryDelay computes the wait before the next attempt per the error map's
// published strategy, capped at spec.Ceiling when set.
func retryDelay(spec wireproto.RetrySpec, attempt int) time.Duration {
	ms := spec.Interval
	switch spec.Strategy {
	case wireproto.RetryLinear:
		ms = spec.Interval * (attempt + 1)
	case wireproto.RetryExponential:
		ms = spec.Interval << uint(attempt)
	}
	if spec.Ceiling > 0 && ms > spec.Ceiling {
		ms = spec.Ceiling
	}
	return time.Duration(ms) * time.Millisecond
}

// sendOnce runs a single breaker-gated attempt with no retry.
func (n *Node) sendOnce(ctx context.Context, op kvconn.Op, hasDurability bool, onNotMyVBucket NotMyVBucketHandler) (*wireproto.Packet, error) {
	timeout := n.kvTimeout
	if hasDurability {
		timeout = n.kvDurabilityTimeout
	}

	switch n.breaker.State() {
	case gobreaker.StateOpen:
		return nil, &OpError{Kind: wireproto.KindCircuitBreakerOpen, Err: ErrCircuitOpen}

	case gobreaker.StateHalfOpen:
		done, err := n.breaker.Allow()
		if err != nil {
			return nil, &OpError{Kind: wireproto.KindCircuitBreakerOpen, Err: ErrCircuitOpen}
		}
		canaryCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		pkt, canaryErr := n.Pool.QueueSend(canaryCtx, kvconn.Op{Opcode: wireproto.OpNoop})
		cancel()
		if pkt != nil {
			pkt.Release()
		}
		done(canaryErr == nil)
		return nil, &OpError{Kind: wireproto.KindCircuitBreakerOpen, Err: ErrCircuitOpen}
	}

	done, err := n.breaker.Allow()
	if err != nil {
		return nil, &OpError{Kind: wireproto.KindCircuitBreakerOpen, Err: ErrCircuitOpen}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	pkt, sendErr := n.Pool.QueueSend(sendCtx, op)
	kvmetrics.ObserveDispatch(op.Opcode.String(), time.Since(start))
	kvmetrics.ObservePoolSize(n.Endpoint, int64(n.Pool.Size()))
	kvmetrics.ObservePoolPending(n.Endpoint, n.Pool.PendingCount())
	if sendErr != nil {
		done(false)
		kind := classifyContextErr(ctx, sendCtx)
		kvmetrics.ObserveOpOutcome(kind.String())
		return nil, &OpError{Kind: kind, Err: sendErr}
	}
	n.touch(ServiceKV)

	status := pkt.Header.Status()
	switch status {
	case wireproto.StatusSuccess:
		done(true)
		kvmetrics.ObserveOpOutcome(wireproto.KindNone.String())
		return pkt, nil

	case wireproto.StatusNotMyVBucket:
		done(true) // a topology signal, not a node health signal
		config := append([]byte(nil), pkt.Value...)
		pkt.Release()
		kvmetrics.ObserveOpOutcome(wireproto.KindNotMyVBucket.String())
		if onNotMyVBucket != nil && len(config) > 0 {
			onNotMyVBucket(config)
		}
		return nil, &OpError{Kind: wireproto.KindNotMyVBucket, Status: status, Err: errors.New("clusternode: not my vbucket")}

	case wireproto.StatusSubdocMultiPathFailure:
		done(true)
		kvmetrics.ObserveOpOutcome(wireproto.KindNone.String())
		return pkt, nil

	default:
		kind := wireproto.KindForStatus(status)
		pkt.Release()
		// Only genuine node-health failures count against the breaker;
		// application-level statuses (not-found, exists, subdoc errors) do
		// not.
		healthFailure := kind == wireproto.KindInternal || kind == wireproto.KindTemporary
		done(!healthFailure)
		kvmetrics.ObserveOpOutcome(kind.String())
		return nil, &OpError{Kind: kind, Status: status, Err: fmt.Errorf("clusternode: status %v", status)}
	}
}

// ResolveCollectionID issues a GET_CID for "scope.collection" and returns
// the collection id from the response extras.
func (n *Node) ResolveCollectionID(ctx context.Context, scopeCollection string) (uint32, error) {
	pkt, err := n.Send(ctx, kvconn.Op{Opcode: wireproto.OpGetCid, Key: []byte(scopeCollection)}, false, nil)
	if err != nil {
		return 0, err
	}
	defer pkt.Release()
	if len(pkt.Extras) < wireproto.GetCidExtrasLen {
		return 0, fmt.Errorf("clusternode: get_cid %q: short extras (%d bytes)", scopeCollection, len(pkt.Extras))
	}
	return binary.BigEndian.Uint32(pkt.Extras[wireproto.CollectionIDOffset:]), nil
}

// classifyContextErr distinguishes a timeout (the linked send-scoped
// context expired) from an explicit caller cancellation.
func classifyContextErr(callerCtx, sendCtx context.Context) wireproto.Kind {
	if callerCtx.Err() != nil {
		return wireproto.KindCancelled
	}
	if sendCtx.Err() == context.DeadlineExceeded {
		return wireproto.KindTimeoutUnambiguous
	}
	return wireproto.KindInternal
}
