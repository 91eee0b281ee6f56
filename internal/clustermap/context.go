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

package clustermap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/shardkv/shardkv-go/internal/clusternode"
	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
)

// ErrBucketNotFound is raised when no bootstrap endpoint/bucket-type
// combination succeeds.
var ErrBucketNotFound = errors.New("clustermap: bucket not found")

// OnTopologyChanged is called after every successfully applied config
// revision, in addition to the metrics observation. Nil by default; the
// root package wires it to kvevents.Publisher.PublishTopologyChanged so
// reshards are visible to downstream consumers without clustermap
// importing kvevents directly.
var OnTopologyChanged func(bucket string, revision int64, nodeCount int)

// NodeFactory connects to, authenticates, and HELLO-negotiates a node at
// endpoint, returning it unassigned to any bucket. Supplied by the root
// package, which owns credentials, TLS config, and per-service timeouts.
type NodeFactory func(ctx context.Context, endpoint string) (*clusternode.Node, error)

// Context is the cluster-wide node registry and bucket set: one per
// connected cluster.
type Context struct {
	nodeFactory NodeFactory

	mu    sync.RWMutex
	nodes map[string]*clusternode.Node

	buckets sync.Map // name -> *Bucket
}

// NewContext constructs an empty cluster context.
func NewContext(nodeFactory NodeFactory) *Context {
	return &Context{nodeFactory: nodeFactory, nodes: make(map[string]*clusternode.Node)}
}

// Node looks up a registered node by endpoint.
func (c *Context) Node(endpoint string) (*clusternode.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[endpoint]
	return n, ok
}

// AddNode registers a node, replacing any existing entry at the same
// endpoint.
func (c *Context) AddNode(n *clusternode.Node) {
	c.mu.Lock()
	c.nodes[n.Endpoint] = n
	c.mu.Unlock()
}

// RemoveNode disposes and deregisters the node at endpoint, if any.
func (c *Context) RemoveNode(endpoint string) {
	c.mu.Lock()
	n, ok := c.nodes[endpoint]
	if ok {
		delete(c.nodes, endpoint)
	}
	c.mu.Unlock()
	if ok {
		n.Pool.Dispose()
	}
}

// AllNodes returns a snapshot of the registry, taken under the registry's
// read lock.
func (c *Context) AllNodes() []*clusternode.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*clusternode.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// Bucket returns the already-opened bucket by name, if any.
func (c *Context) Bucket(name string) (*Bucket, bool) {
	v, ok := c.buckets.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Bucket), true
}

// PickServiceURI picks uniformly at random among the nodes hosting
// service. When bucket is non-nil and the service is bucket-scoped
// (views), candidates are restricted to that bucket's node set.
func (c *Context) PickServiceURI(service clusternode.Service, bucket *Bucket) (string, error) {
	nodes := c.AllNodes()
	if bucket != nil && service == clusternode.ServiceViews {
		nodes = bucket.Nodes()
	}

	var candidates []string
	for _, n := range nodes {
		if uri, ok := n.ServiceURI(service); ok {
			candidates = append(candidates, uri)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("clustermap: no node hosts service %q: %w", service, errServiceMissing)
	}
	return candidates[rand.IntN(len(candidates))], nil
}

var errServiceMissing = errors.New("service missing")

// Bucket is a named, opened bucket: its owning node subset, routing
// table, and the single-writer config application state.
type Bucket struct {
	Name string
	Type clusternode.BucketType

	ctx *Context

	mu            sync.RWMutex
	nodeEndpoints map[string]bool

	vbmap atomic.Pointer[VBucketMap]
	ring  atomic.Pointer[MemcachedRing]

	configMu   sync.Mutex // single-writer serialization for config_updated
	rev        atomic.Int64
	lastConfig *ClusterConfig

	manifestMu sync.RWMutex
	manifest   map[string]uint32 // "scope.collection" -> collection id
}

func newBucket(ctx *Context, name string, bt clusternode.BucketType) *Bucket {
	return &Bucket{
		Name:          name,
		Type:          bt,
		ctx:           ctx,
		nodeEndpoints: make(map[string]bool),
		manifest:      make(map[string]uint32),
	}
}

// VBucketMap returns the bucket's current routing table, or nil if the
// bucket is memcached-typed or hasn't received a vBucket map yet.
func (b *Bucket) VBucketMap() *VBucketMap { return b.vbmap.Load() }

// Ring returns the bucket's current consistent-hash ring, for memcached
// buckets.
func (b *Bucket) Ring() *MemcachedRing { return b.ring.Load() }

// Revision returns the last-applied config revision.
func (b *Bucket) Revision() int64 { return b.rev.Load() }

// Nodes returns the bucket's current owning node set.
func (b *Bucket) Nodes() []*clusternode.Node {
	b.mu.RLock()
	endpoints := make([]string, 0, len(b.nodeEndpoints))
	for ep := range b.nodeEndpoints {
		endpoints = append(endpoints, ep)
	}
	b.mu.RUnlock()

	out := make([]*clusternode.Node, 0, len(endpoints))
	for _, ep := range endpoints {
		if n, ok := b.ctx.Node(ep); ok {
			out = append(out, n)
		}
	}
	return out
}

// CollectionID looks up a cached collection id for "scope.collection".
func (b *Bucket) CollectionID(key string) (uint32, bool) {
	b.manifestMu.RLock()
	defer b.manifestMu.RUnlock()
	cid, ok := b.manifest[key]
	return cid, ok
}

// SetCollectionID refreshes the cached collection id, used after a
// CollectionOutdated GET_CID round-trip.
func (b *Bucket) SetCollectionID(key string, cid uint32) {
	b.manifestMu.Lock()
	b.manifest[key] = cid
	b.manifestMu.Unlock()
}

// ApplyConfig runs the config_updated apply rules:
// revision gate, name match, vBucket map rebuild, node diff, and prune.
// Serialized per bucket so concurrent deliveries from the HTTP stream and
// in-band NotMyVBucket configs never race.
func (b *Bucket) ApplyConfig(ctx context.Context, cfg *ClusterConfig) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()

	if cfg.Name != "" && cfg.Name != b.Name {
		return nil
	}
	if cfg.Rev <= b.rev.Load() {
		return nil
	}

	vbChanged, nodesChanged := true, true
	if b.lastConfig != nil {
		vbChanged = b.lastConfig.VBucketChanged(cfg)
		nodesChanged = b.lastConfig.NodesChanged(cfg)
	}

	if vbChanged && cfg.VBucketServerMap != nil {
		b.vbmap.Store(NewVBucketMap(cfg.VBucketServerMap))
	}
	if b.Type == clusternode.BucketTypeMemcached && nodesChanged {
		servers := make([]string, 0, len(cfg.Nodes))
		for _, n := range cfg.Nodes {
			servers = append(servers, n.Hostname)
		}
		b.ring.Store(NewMemcachedRing(servers))
	}
	// Reconciliation runs on every applied revision, not just one that adds
	// or removes nodes: an existing node's advertised service ports can
	// change revision to revision, and reconcileNodes is cheap (a map walk
	// plus SetServiceURI) when the node set itself is unchanged.
	b.reconcileNodes(ctx, cfg)

	b.lastConfig = cfg
	b.rev.Store(cfg.Rev)
	kvmetrics.ObserveConfigApplied(b.Name)
	if OnTopologyChanged != nil {
		OnTopologyChanged(b.Name, cfg.Rev, len(cfg.Nodes))
	}
	return nil
}

// reconcileNodes creates nodes newly present in cfg and prunes any
// bucket-owned node absent from it. Individual
// node-join failures are skipped rather than failing the whole apply,
// matching the pool's "partial success retained" texture.
func (b *Bucket) reconcileNodes(ctx context.Context, cfg *ClusterConfig) {
	byAddr := make(map[string]NodeEntry, len(cfg.Nodes))
	for _, e := range cfg.Nodes {
		byAddr[e.Hostname] = e
	}

	for addr, entry := range byAddr {
		if n, ok := b.ctx.Node(addr); ok {
			applyServiceURIs(n, entry)
			b.mu.Lock()
			b.nodeEndpoints[addr] = true
			b.mu.Unlock()
			continue
		}
		node, err := b.ctx.nodeFactory(ctx, addr)
		if err != nil {
			continue
		}
		if b.Type == clusternode.BucketTypeDocument {
			if err := node.SelectBucket(ctx, b.Name); err != nil {
				node.Pool.Dispose()
				continue
			}
		}
		applyServiceURIs(node, entry)
		b.ctx.AddNode(node)
		b.mu.Lock()
		b.nodeEndpoints[addr] = true
		b.mu.Unlock()
	}

	b.mu.Lock()
	var stale []string
	for addr := range b.nodeEndpoints {
		if _, ok := byAddr[addr]; !ok {
			stale = append(stale, addr)
		}
	}
	for _, addr := range stale {
		delete(b.nodeEndpoints, addr)
	}
	b.mu.Unlock()

	for _, addr := range stale {
		b.ctx.RemoveNode(addr)
	}
}

// serviceEntryNames maps a cluster config's "services" JSON keys to the
// URIs a node advertises for non-KV services.
var serviceEntryNames = map[string]clusternode.Service{
	"mgmt": clusternode.ServiceMgmt,
	"capi": clusternode.ServiceViews,
	"n1ql": clusternode.ServiceQuery,
	"fts":  clusternode.ServiceSearch,
	"cbas": clusternode.ServiceAnalytics,
}

// applyServiceURIs records service URIs for node from entry's service/port
// map. The KV service itself is the node's own endpoint, not a URI, and is
// excluded here.
func applyServiceURIs(node *clusternode.Node, entry NodeEntry) {
	host := hostOnly(entry.Hostname)
	for key, svc := range serviceEntryNames {
		port, ok := entry.Services[key]
		if !ok {
			continue
		}
		node.SetServiceURI(svc, fmt.Sprintf("http://%s:%d", host, port))
	}
}

// seedSingleNode registers addr as the bucket's sole known node without a
// vBucket map, for the older-server per-bucket bootstrap fallback.
func (b *Bucket) seedSingleNode(addr string) {
	b.mu.Lock()
	b.nodeEndpoints[addr] = true
	b.mu.Unlock()
}
