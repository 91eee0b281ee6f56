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
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// fakeServer accepts any number of connections and answers every request
// with a bare StatusSuccess response echoing the opaque, until the
// connection is explicitly killed.
type fakeServer struct {
	ln net.Listener

	mu   sync.Mutex
	byID map[uint64]net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln, byID: make(map[uint64]net.Conn)}
	go fs.acceptLoop()
	return fs
}

func (fs *fakeServer) acceptLoop() {
	for {
		c, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.echo(c)
	}
}

func (fs *fakeServer) echo(c net.Conn) {
	r := c
	for {
		hdrBuf := make([]byte, wireproto.HeaderLen)
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			return
		}
		hdr, err := wireproto.DecodeHeader(hdrBuf)
		if err != nil {
			return
		}
		body := make([]byte, hdr.TotalBodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
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

// dial implements Dialer by opening a client connection to the fake
// server. It does not record the accepted server-side socket;
// trackingFakeServer.dial does that for tests that kill a specific
// connection.
func (fs *fakeServer) dial(ctx context.Context) (*kvconn.Connection, error) {
	c, err := kvconn.Dial(ctx, fs.ln.Addr().String(), nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (fs *fakeServer) kill(id uint64) {
	fs.mu.Lock()
	sc := fs.byID[id]
	fs.mu.Unlock()
	if sc != nil {
		_ = sc.Close()
	}
}

func (fs *fakeServer) close() { _ = fs.ln.Close() }

// registerAccept records the server-side socket for a just-opened
// connection by racing the accept loop; used only by the dead-connection
// test, which needs to sever one specific socket.
func (fs *fakeServer) registerAccept(id uint64, c net.Conn) {
	fs.mu.Lock()
	fs.byID[id] = c
	fs.mu.Unlock()
}

func TestInitializeOpensMinConnections(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	p, err := New(fs.dial, 3, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Dispose()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", p.Size())
	}
}

func TestQueueSendRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	p, err := New(fs.dial, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Dispose()
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := p.QueueSend(ctx, kvconn.Op{Opcode: wireproto.OpNoop})
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		t.Fatalf("status = %v, want success", pkt.Header.Status())
	}
}

func TestScaleUpAndDown(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	p, err := New(fs.dial, 1, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Dispose()
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	p.Scale(ctx, 2)
	if p.Size() != 3 {
		t.Fatalf("Size() after scale up = %d, want 3", p.Size())
	}

	// Scale beyond max is clamped.
	p.Scale(ctx, 5)
	if p.Size() != 3 {
		t.Fatalf("Size() after clamped scale up = %d, want 3", p.Size())
	}

	p.Scale(ctx, -2)
	waitForSize(t, p, 1)
}

func TestScaleDownVictimizesLongestIdle(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	p, err := New(fs.dial, 1, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Dispose()
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	first := p.Connections()[0].ID
	time.Sleep(30 * time.Millisecond)

	p.Scale(ctx, 1)
	if p.Size() != 2 {
		t.Fatalf("Size() after scale up = %d, want 2", p.Size())
	}
	time.Sleep(5 * time.Millisecond)

	p.Scale(ctx, -1)
	waitForSize(t, p, 1)

	remaining := p.Connections()
	if len(remaining) != 1 {
		t.Fatalf("got %d remaining connections, want 1", len(remaining))
	}
	if remaining[0].ID == first {
		t.Fatal("expected the older, longer-idle connection to be victimized")
	}
}

func TestDeadConnectionIsReplaced(t *testing.T) {
	fs2 := newTrackingFakeServer(t)
	defer fs2.close()

	p, err := New(fs2.dial, 1, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Dispose()
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	dead := p.Connections()[0]
	fs2.kill(dead.ID)

	deadline := time.Now().Add(time.Second)
	for !dead.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !dead.IsDead() {
		t.Fatal("expected connection to be observed dead")
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pkt, err := p.QueueSend(sendCtx, kvconn.Op{Opcode: wireproto.OpNoop})
	if err != nil {
		t.Fatalf("QueueSend after death: %v", err)
	}
	pkt.Release()

	waitForSize(t, p, 1)
}

// trackingFakeServer is a fakeServer variant whose dial always registers
// the accepted socket synchronously, for deterministic kill() targeting.
type trackingFakeServer struct {
	*fakeServer
	acceptCh chan net.Conn
}

func newTrackingFakeServer(t *testing.T) *trackingFakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln, byID: make(map[uint64]net.Conn)}
	tfs := &trackingFakeServer{fakeServer: fs, acceptCh: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			tfs.acceptCh <- c
			go fs.echo(c)
		}
	}()
	return tfs
}

func (tfs *trackingFakeServer) dial(ctx context.Context) (*kvconn.Connection, error) {
	c, err := kvconn.Dial(ctx, tfs.ln.Addr().String(), nil)
	if err != nil {
		return nil, err
	}
	select {
	case sc := <-tfs.acceptCh:
		tfs.registerAccept(c.ID, sc)
	case <-time.After(time.Second):
	}
	return c, nil
}

func waitForSize(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Size() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Size() = %d, want %d", p.Size(), want)
}
