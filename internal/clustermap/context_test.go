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
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shardkv/shardkv-go/internal/clusternode"
	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/kvpool"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// acceptAllServer answers every request with StatusSuccess, enough to
// satisfy HELLO negotiation, SELECT_BUCKET, and any op issued in these
// tests; its TCP address is shared by every fake node the tests create.
type acceptAllServer struct {
	ln net.Listener
}

func newAcceptAllServer(t *testing.T) *acceptAllServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &acceptAllServer{ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *acceptAllServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

func (s *acceptAllServer) serve(c net.Conn) {
	for {
		hdrBuf := make([]byte, wireproto.HeaderLen)
		if _, err := io.ReadFull(c, hdrBuf); err != nil {
			return
		}
		hdr, err := wireproto.DecodeHeader(hdrBuf)
		if err != nil {
			return
		}
		body := make([]byte, hdr.TotalBodyLen)
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}
		resp := make([]byte, wireproto.HeaderLen)
		resp[0] = wireproto.MagicResponse
		resp[1] = byte(hdr.Opcode)
		binary.BigEndian.PutUint32(resp[12:16], hdr.Opaque)
		if _, err := c.Write(resp); err != nil {
			return
		}
	}
}

func testNodeFactory(srv *acceptAllServer) NodeFactory {
	return func(ctx context.Context, endpoint string) (*clusternode.Node, error) {
		dial := func(ctx context.Context) (*kvconn.Connection, error) {
			return kvconn.Dial(ctx, srv.ln.Addr().String(), nil)
		}
		p, err := kvpool.New(dial, 1, 1)
		if err != nil {
			return nil, err
		}
		if err := p.Initialize(ctx); err != nil {
			return nil, err
		}
		return clusternode.New(endpoint, endpoint, clusternode.BucketTypeDocument, p, time.Second, 2*time.Second), nil
	}
}

func TestApplyConfigDropsLowerRevision(t *testing.T) {
	srv := newAcceptAllServer(t)
	ctx := NewContext(testNodeFactory(srv))
	b := newBucket(ctx, "default", clusternode.BucketTypeDocument)

	first := &ClusterConfig{Name: "default", Rev: 5, Nodes: []NodeEntry{{Hostname: "node-a:1"}}}
	if err := b.ApplyConfig(context.Background(), first); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if b.Revision() != 5 {
		t.Fatalf("Revision = %d, want 5", b.Revision())
	}

	stale := &ClusterConfig{Name: "default", Rev: 3, Nodes: []NodeEntry{{Hostname: "node-b:1"}}}
	if err := b.ApplyConfig(context.Background(), stale); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if b.Revision() != 5 {
		t.Fatalf("Revision = %d after stale apply, want unchanged 5", b.Revision())
	}
	if len(b.Nodes()) != 1 || b.Nodes()[0].Endpoint != "node-a:1" {
		t.Fatalf("stale config mutated node set: %v", b.Nodes())
	}
}

func TestApplyConfigDropsNameMismatch(t *testing.T) {
	srv := newAcceptAllServer(t)
	ctx := NewContext(testNodeFactory(srv))
	b := newBucket(ctx, "default", clusternode.BucketTypeDocument)

	wrong := &ClusterConfig{Name: "other-bucket", Rev: 10}
	if err := b.ApplyConfig(context.Background(), wrong); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if b.Revision() != 0 {
		t.Fatalf("Revision = %d, want 0 (config for a different bucket must be dropped)", b.Revision())
	}
}

func TestApplyConfigSameRevisionIsNoOp(t *testing.T) {
	srv := newAcceptAllServer(t)
	ctx := NewContext(testNodeFactory(srv))
	b := newBucket(ctx, "default", clusternode.BucketTypeDocument)

	cfg := &ClusterConfig{Name: "default", Rev: 7, Nodes: []NodeEntry{{Hostname: "node-a:1"}}}
	if err := b.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	before := b.Nodes()

	if err := b.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyConfig (repeat): %v", err)
	}
	after := b.Nodes()
	if len(before) != len(after) {
		t.Fatalf("reapplying the same revision changed the node set: %v -> %v", before, after)
	}
}

func TestApplyConfigReconcilesAndPrunesNodes(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))
	b := newBucket(cctx, "default", clusternode.BucketTypeDocument)

	cfg1 := &ClusterConfig{
		Name: "default",
		Rev:  1,
		Nodes: []NodeEntry{
			{Hostname: "node-a:1"},
			{Hostname: "node-b:1"},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg1); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if len(b.Nodes()) != 2 {
		t.Fatalf("Nodes() len = %d, want 2", len(b.Nodes()))
	}
	if _, ok := cctx.Node("node-a:1"); !ok {
		t.Fatalf("node-a:1 not registered in context")
	}

	cfg2 := &ClusterConfig{
		Name: "default",
		Rev:  2,
		Nodes: []NodeEntry{
			{Hostname: "node-b:1"},
			{Hostname: "node-c:1"},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg2); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if _, ok := cctx.Node("node-a:1"); ok {
		t.Fatalf("node-a:1 still registered after being pruned from the config")
	}
	if _, ok := cctx.Node("node-c:1"); !ok {
		t.Fatalf("node-c:1 not registered after being added to the config")
	}
	endpoints := map[string]bool{}
	for _, n := range b.Nodes() {
		endpoints[n.Endpoint] = true
	}
	if len(endpoints) != 2 || !endpoints["node-b:1"] || !endpoints["node-c:1"] {
		t.Fatalf("Nodes() = %v, want exactly node-b:1 and node-c:1", endpoints)
	}
}

func TestApplyConfigPopulatesServiceURIsFromEntry(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))
	b := newBucket(cctx, "default", clusternode.BucketTypeDocument)

	cfg := &ClusterConfig{
		Name: "default",
		Rev:  1,
		Nodes: []NodeEntry{
			{Hostname: "node-a:1", Services: map[string]int{"n1ql": 8093, "fts": 8094}},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	n, ok := cctx.Node("node-a:1")
	if !ok {
		t.Fatalf("node-a:1 not registered")
	}
	if uri, ok := n.ServiceURI(clusternode.ServiceQuery); !ok || uri != "http://node-a:8093" {
		t.Fatalf("query service URI = %q, %v", uri, ok)
	}
	if uri, ok := n.ServiceURI(clusternode.ServiceSearch); !ok || uri != "http://node-a:8094" {
		t.Fatalf("search service URI = %q, %v", uri, ok)
	}

	cfg2 := &ClusterConfig{
		Name: "default",
		Rev:  2,
		Nodes: []NodeEntry{
			{Hostname: "node-a:1", Services: map[string]int{"n1ql": 9999}},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg2); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if uri, ok := n.ServiceURI(clusternode.ServiceQuery); !ok || uri != "http://node-a:9999" {
		t.Fatalf("query service URI not refreshed for already-registered node: %q, %v", uri, ok)
	}
}

func TestApplyConfigBuildsVBucketMapOnChange(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))
	b := newBucket(cctx, "default", clusternode.BucketTypeDocument)

	cfg := &ClusterConfig{
		Name: "default",
		Rev:  1,
		VBucketServerMap: &VBucketServerMap{
			ServerList: []string{"node-a:1"},
			VBucketMap: [][]int{{0}, {0}},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if b.VBucketMap() == nil {
		t.Fatalf("VBucketMap() is nil after a config carrying a vBucketServerMap")
	}
	if b.VBucketMap().NumVBuckets() != 2 {
		t.Fatalf("NumVBuckets = %d, want 2", b.VBucketMap().NumVBuckets())
	}
}

func TestApplyConfigBuildsRingForMemcachedBucket(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))
	b := newBucket(cctx, "default", clusternode.BucketTypeMemcached)

	cfg := &ClusterConfig{
		Name: "default",
		Rev:  1,
		Nodes: []NodeEntry{
			{Hostname: "node-a:1"},
			{Hostname: "node-b:1"},
		},
	}
	if err := b.ApplyConfig(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if b.Ring() == nil {
		t.Fatalf("Ring() is nil for a memcached bucket after nodes changed")
	}
	if len(b.Ring().Servers()) != 2 {
		t.Fatalf("Ring().Servers() len = %d, want 2", len(b.Ring().Servers()))
	}
}

func TestPickServiceURIReturnsErrorWhenNoneHost(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))

	if _, err := cctx.PickServiceURI(clusternode.ServiceQuery, nil); err == nil {
		t.Fatalf("PickServiceURI succeeded with no nodes registered")
	}
}

func TestPickServiceURIPicksAmongHosts(t *testing.T) {
	srv := newAcceptAllServer(t)
	cctx := NewContext(testNodeFactory(srv))

	n, err := testNodeFactory(srv)(context.Background(), "node-a:1")
	if err != nil {
		t.Fatalf("node factory: %v", err)
	}
	n.SetServiceURI(clusternode.ServiceQuery, "http://node-a:8093")
	cctx.AddNode(n)

	uri, err := cctx.PickServiceURI(clusternode.ServiceQuery, nil)
	if err != nil {
		t.Fatalf("PickServiceURI: %v", err)
	}
	if uri != "http://node-a:8093" {
		t.Fatalf("uri = %q, want http://node-a:8093", uri)
	}
}
