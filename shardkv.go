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

// Package shardkv is a sharded document-database client: binary KV wire
// protocol, elastic per-node connection pools, cluster topology tracking,
// and vBucket/ketama routing. Connect opens a cluster; Cluster.OpenBucket
// opens a bucket ready for Get/Upsert/Remove and friends.
package shardkv

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shardkv/shardkv-go/internal/clusternode"
	"github.com/shardkv/shardkv-go/internal/clustermap"
	"github.com/shardkv/shardkv-go/internal/kvaudit"
	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/kvevents"
	"github.com/shardkv/shardkv-go/internal/kvpool"
	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

const userAgent = "shardkv-go/1.0"

// Cluster is a connected cluster: node registry plus the ambient stack
// (metrics, events, audit) wired at Connect time.
type Cluster struct {
	ctx     *clustermap.Context
	opts    Options
	events  *kvevents.Publisher
	audit   *kvaudit.Log
	cstring ConnectionString
}

// Connect resolves connStr (optionally via DNS-SRV), wires the ambient
// stack, and returns a Cluster ready to open buckets. It opens no
// connections itself: nodes are dialed and authenticated when a bucket is
// opened.
func Connect(ctx context.Context, connStr string, opts Options) (*Cluster, error) {
	opts = opts.withDefaults()

	cs, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	if cs.SRVEligible {
		if resolved, ok := clustermap.ResolveSRV(ctx, cs.SRVHost, cs.TLS); ok {
			cs.Hosts = resolved
		}
	}

	if opts.Metrics.Enabled || opts.Metrics.MetricsAddr != "" {
		kvmetrics.Enable(opts.Metrics)
	}

	producer := opts.EventsProducer
	if producer == nil {
		producer = &kvevents.LoggingProducer{Logger: opts.Logger}
	}
	events := kvevents.NewPublisher(producer, opts.TopologyEventsTopic, opts.BreakerEventsTopic)

	var audit *kvaudit.Log
	if opts.AuditDB != nil {
		audit = kvaudit.Open(opts.AuditDB)
	}

	clusternode.OnBreakerStateChange = func(node, state string) {
		if state == "open" && opts.AlertDeduper != nil {
			ok, err := opts.AlertDeduper.ShouldAlert(context.Background(), node)
			if err != nil {
				opts.Logger.Printf("shardkv: breaker alert dedupe: %v", err)
			} else if !ok {
				return
			}
		}
		if err := events.PublishBreakerStateChanged(context.Background(), node, state); err != nil {
			opts.Logger.Printf("shardkv: publish breaker event: %v", err)
		}
		if audit != nil {
			if err := audit.RecordBreakerTransition(context.Background(), node, state); err != nil {
				opts.Logger.Printf("shardkv: record breaker audit: %v", err)
			}
		}
	}
	clustermap.OnTopologyChanged = func(bucket string, revision int64, nodeCount int) {
		if err := events.PublishTopologyChanged(context.Background(), bucket, revision, nodeCount); err != nil {
			opts.Logger.Printf("shardkv: publish topology event: %v", err)
		}
	}

	c := &Cluster{opts: opts, events: events, audit: audit, cstring: cs}
	c.ctx = clustermap.NewContext(c.nodeFactory)
	return c, nil
}

// tlsConfig returns the TLS config nodeFactory should dial with, or nil for
// plaintext. A couchbases:// connection string enables TLS even when the
// caller left Options.TLSConfig unset.
func (c *Cluster) tlsConfig() *tls.Config {
	if c.opts.TLSConfig != nil {
		return c.opts.TLSConfig
	}
	if !c.cstring.TLS {
		return nil
	}
	return &tls.Config{}
}

// nodeFactory dials, authenticates, and HELLO-negotiates one node, wiring
// it to a fresh elastic pool. Supplied to clustermap.Context as its
// NodeFactory.
func (c *Cluster) nodeFactory(ctx context.Context, endpoint string) (*clusternode.Node, error) {
	tlsConfig := c.tlsConfig()
	mech := kvconn.MechanismScramSHA1
	if tlsConfig != nil {
		mech = kvconn.MechanismPlain
	}

	var (
		errorMapMu sync.Mutex
		errorMap   *wireproto.ErrorMap
	)
	dial := func(ctx context.Context) (*kvconn.Connection, error) {
		conn, err := kvconn.Dial(ctx, endpoint, tlsConfig)
		if err != nil {
			return nil, err
		}
		if err := conn.Hello(ctx, userAgent, c.opts.Hello); err != nil {
			conn.Close(0)
			return nil, err
		}
		if err := conn.FetchErrorMap(ctx, 2); err != nil {
			conn.Close(0)
			return nil, err
		}
		if c.opts.Username != "" {
			if err := conn.Authenticate(ctx, mech, c.opts.Username, c.opts.Password); err != nil {
				conn.Close(0)
				return nil, err
			}
		}
		if conn.ErrorMap != nil {
			errorMapMu.Lock()
			errorMap = conn.ErrorMap
			errorMapMu.Unlock()
		}
		return conn, nil
	}

	pool, err := kvpool.New(dial, c.opts.PoolMinSize, c.opts.PoolMaxSize)
	if err != nil {
		return nil, err
	}
	if err := pool.Initialize(ctx); err != nil {
		pool.Dispose()
		return nil, err
	}

	node := clusternode.New(endpoint, endpoint, clusternode.BucketTypeDocument, pool, c.opts.KVTimeout, c.opts.KVDurabilityTimeout)
	if errorMap != nil {
		node.SetErrorMap(errorMap)
	}
	return node, nil
}

// OpenBucket bootstraps a document (vBucket-routed) bucket — the common
// case for a couchbase/shardkv document store.
func (c *Cluster) OpenBucket(ctx context.Context, name string) (*Bucket, error) {
	return c.openBucket(ctx, name, clusternode.BucketTypeDocument)
}

// OpenMemcachedBucket bootstraps a memcached (ketama-routed) bucket.
func (c *Cluster) OpenMemcachedBucket(ctx context.Context, name string) (*Bucket, error) {
	return c.openBucket(ctx, name, clusternode.BucketTypeMemcached)
}

func (c *Cluster) openBucket(ctx context.Context, name string, bt clusternode.BucketType) (*Bucket, error) {
	if existing, ok := c.ctx.Bucket(name); ok {
		return &Bucket{cluster: c, b: existing}, nil
	}
	b, err := clustermap.Bootstrap(ctx, c.ctx, name, bt, c.cstring.Hosts)
	if err != nil {
		return nil, fmt.Errorf("shardkv: open bucket %q: %w", name, err)
	}
	return &Bucket{cluster: c, b: b}, nil
}

// Close disposes every node's connection pool. The cluster must not be
// used afterward.
func (c *Cluster) Close() {
	for _, n := range c.ctx.AllNodes() {
		n.Pool.Dispose()
	}
}

// Bucket is an opened bucket ready for KV operations.
type Bucket struct {
	cluster *Cluster
	b       *clustermap.Bucket
}

// route picks the owning node and, for document buckets, the vBucket id
// to stamp on the outbound op.
func (bk *Bucket) route(key string) (node *clusternode.Node, vbucket uint16, err error) {
	if bk.b.Type == clusternode.BucketTypeMemcached {
		ring := bk.b.Ring()
		if ring == nil {
			return nil, 0, fmt.Errorf("shardkv: bucket %q has no routing ring yet", bk.b.Name)
		}
		addr := ring.Route([]byte(key))
		n, ok := bk.cluster.ctx.Node(addr)
		if !ok {
			return nil, 0, fmt.Errorf("shardkv: bucket %q: routed node %q not registered", bk.b.Name, addr)
		}
		return n, 0, nil
	}

	vbmap := bk.b.VBucketMap()
	if vbmap == nil {
		return nil, 0, fmt.Errorf("shardkv: bucket %q has no vBucket map yet", bk.b.Name)
	}
	vb, primary, _ := vbmap.Route([]byte(key))
	n, ok := bk.cluster.ctx.Node(primary)
	if !ok {
		return nil, 0, fmt.Errorf("shardkv: bucket %q: routed node %q not registered", bk.b.Name, primary)
	}
	return n, vb, nil
}

// onNotMyVBucket republishes an embedded config to the bucket the way an
// in-band topology push arrives.
func (bk *Bucket) onNotMyVBucket(body []byte) {
	cfg, err := clustermap.ParseClusterConfig(body, "")
	if err != nil {
		return
	}
	_ = bk.b.ApplyConfig(context.Background(), cfg)
}

// CollectionID returns the collection id for "scope.collection", resolving
// it from the cluster via GET_CID on first use and caching it on the
// bucket's manifest thereafter.
func (bk *Bucket) CollectionID(ctx context.Context, scope, collection string) (uint32, error) {
	manifestKey := scope + "." + collection
	if cid, ok := bk.b.CollectionID(manifestKey); ok {
		return cid, nil
	}
	return bk.resolveCollectionID(ctx, manifestKey)
}

func (bk *Bucket) resolveCollectionID(ctx context.Context, manifestKey string) (uint32, error) {
	nodes := bk.b.Nodes()
	if len(nodes) == 0 {
		return 0, fmt.Errorf("shardkv: bucket %q has no nodes yet", bk.b.Name)
	}
	cid, err := nodes[0].ResolveCollectionID(ctx, manifestKey)
	if err != nil {
		return 0, wrapOpError("get_cid", manifestKey, err, false)
	}
	bk.b.SetCollectionID(manifestKey, cid)
	return cid, nil
}

// GetFromCollection behaves like Get but addresses key within scope.collection
// instead of the default collection. A cached collection id that the
// server reports as outdated is re-resolved and the operation retried
// exactly once.
func (bk *Bucket) GetFromCollection(ctx context.Context, scope, collection, key string) ([]byte, uint64, error) {
	manifestKey := scope + "." + collection
	cid, err := bk.CollectionID(ctx, scope, collection)
	if err != nil {
		return nil, 0, err
	}

	op := kvconn.Op{Opcode: wireproto.OpGet, Key: wireproto.EncodeCollectionKey(cid, []byte(key))}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		var opErr *clusternode.OpError
		if errors.As(err, &opErr) && opErr.Kind == wireproto.KindCollectionOutdated {
			cid, rerr := bk.resolveCollectionID(ctx, manifestKey)
			if rerr == nil {
				op.Key = wireproto.EncodeCollectionKey(cid, []byte(key))
				pkt, err = bk.send(ctx, key, op, false)
			}
		}
		if err != nil {
			return nil, 0, wrapOpError("get", key, err, false)
		}
	}
	defer pkt.Release()
	value := append([]byte(nil), pkt.Value...)
	return value, pkt.Header.CAS, nil
}

func (bk *Bucket) send(ctx context.Context, key string, op kvconn.Op, hasDurability bool) (*wireproto.Packet, error) {
	node, vb, err := bk.route(key)
	if err != nil {
		return nil, err
	}
	op.VBucket = vb
	pkt, err := node.Send(ctx, op, hasDurability, bk.onNotMyVBucket)
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

// Get fetches key's current value and CAS.
func (bk *Bucket) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	pkt, err := bk.send(ctx, key, kvconn.Op{Opcode: wireproto.OpGet, Key: []byte(key)}, false)
	if err != nil {
		return nil, 0, wrapOpError("get", key, err, false)
	}
	defer pkt.Release()
	value := append([]byte(nil), pkt.Value...)
	return value, pkt.Header.CAS, nil
}

// Insert creates key, failing with KindExists if it already exists.
func (bk *Bucket) Insert(ctx context.Context, key string, value []byte, expiration time.Duration) (uint64, error) {
	return bk.store(ctx, wireproto.OpAdd, key, value, 0, expiration, false)
}

// Upsert creates or overwrites key unconditionally.
func (bk *Bucket) Upsert(ctx context.Context, key string, value []byte, expiration time.Duration) (uint64, error) {
	return bk.store(ctx, wireproto.OpSet, key, value, 0, expiration, false)
}

// Replace overwrites key, optionally gated by cas (0 means unconditional).
func (bk *Bucket) Replace(ctx context.Context, key string, value []byte, cas uint64, expiration time.Duration) (uint64, error) {
	return bk.store(ctx, wireproto.OpReplace, key, value, cas, expiration, cas != 0)
}

func (bk *Bucket) store(ctx context.Context, opcode wireproto.Opcode, key string, value []byte, cas uint64, expiration time.Duration, casAware bool) (uint64, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:], expirationSeconds(expiration))
	op := kvconn.Op{Opcode: opcode, Key: []byte(key), Value: value, Extras: extras, CAS: cas}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return 0, wrapOpError(opcode.String(), key, err, casAware)
	}
	defer pkt.Release()
	return pkt.Header.CAS, nil
}

// Remove deletes key, optionally gated by cas.
func (bk *Bucket) Remove(ctx context.Context, key string, cas uint64) error {
	op := kvconn.Op{Opcode: wireproto.OpDelete, Key: []byte(key), CAS: cas}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return wrapOpError("remove", key, err, cas != 0)
	}
	pkt.Release()
	return nil
}

// Touch refreshes key's expiration without fetching its value.
func (bk *Bucket) Touch(ctx context.Context, key string, expiration time.Duration) error {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expirationSeconds(expiration))
	op := kvconn.Op{Opcode: wireproto.OpTouch, Key: []byte(key), Extras: extras}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return wrapOpError("touch", key, err, false)
	}
	pkt.Release()
	return nil
}

// GetAndLock fetches key's value while acquiring a pessimistic lock for
// lockTime.
func (bk *Bucket) GetAndLock(ctx context.Context, key string, lockTime time.Duration) ([]byte, uint64, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expirationSeconds(lockTime))
	op := kvconn.Op{Opcode: wireproto.OpGetAndLock, Key: []byte(key), Extras: extras}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return nil, 0, wrapOpError("get_and_lock", key, err, false)
	}
	defer pkt.Release()
	value := append([]byte(nil), pkt.Value...)
	return value, pkt.Header.CAS, nil
}

// Unlock releases a lock previously acquired by GetAndLock.
func (bk *Bucket) Unlock(ctx context.Context, key string, cas uint64) error {
	op := kvconn.Op{Opcode: wireproto.OpUnlock, Key: []byte(key), CAS: cas}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return wrapOpError("unlock", key, err, true)
	}
	pkt.Release()
	return nil
}

// Increment adds delta to the counter stored at key, creating it with
// initial if absent.
func (bk *Bucket) Increment(ctx context.Context, key string, delta, initial uint64, expiration time.Duration) (uint64, uint64, error) {
	return bk.counterOp(ctx, wireproto.OpIncrement, key, delta, initial, expiration)
}

// Decrement subtracts delta from the counter stored at key, creating it
// with initial if absent. The counter floors at zero.
func (bk *Bucket) Decrement(ctx context.Context, key string, delta, initial uint64, expiration time.Duration) (uint64, uint64, error) {
	return bk.counterOp(ctx, wireproto.OpDecrement, key, delta, initial, expiration)
}

func (bk *Bucket) counterOp(ctx context.Context, opcode wireproto.Opcode, key string, delta, initial uint64, expiration time.Duration) (uint64, uint64, error) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], delta)
	binary.BigEndian.PutUint64(extras[8:], initial)
	binary.BigEndian.PutUint32(extras[16:], expirationSeconds(expiration))
	op := kvconn.Op{Opcode: opcode, Key: []byte(key), Extras: extras}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return 0, 0, wrapOpError(opcode.String(), key, err, false)
	}
	defer pkt.Release()
	if len(pkt.Value) < 8 {
		return 0, pkt.Header.CAS, nil
	}
	return binary.BigEndian.Uint64(pkt.Value), pkt.Header.CAS, nil
}

// Append appends value to the byte string stored at key.
func (bk *Bucket) Append(ctx context.Context, key string, value []byte, cas uint64) (uint64, error) {
	op := kvconn.Op{Opcode: wireproto.OpAppend, Key: []byte(key), Value: value, CAS: cas}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return 0, wrapOpError("append", key, err, cas != 0)
	}
	defer pkt.Release()
	return pkt.Header.CAS, nil
}

// Prepend prepends value to the byte string stored at key.
func (bk *Bucket) Prepend(ctx context.Context, key string, value []byte, cas uint64) (uint64, error) {
	op := kvconn.Op{Opcode: wireproto.OpPrepend, Key: []byte(key), Value: value, CAS: cas}
	pkt, err := bk.send(ctx, key, op, false)
	if err != nil {
		return 0, wrapOpError("prepend", key, err, cas != 0)
	}
	defer pkt.Release()
	return pkt.Header.CAS, nil
}

func expirationSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}
