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

// Package kvconn implements a single authenticated TCP session to one
// cluster node: HELLO feature negotiation, SASL authentication, serialized
// sends, opaque-correlated receives, and dead-connection detection. It has
// no notion of other connections or of which node it belongs to; that is
// the connection pool's job (internal/kvpool).
package kvconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// ErrDead is returned by Send once a connection has observed a fatal I/O
// error. A dead connection is never resurrected.
var ErrDead = errors.New("kvconn: connection is dead")

// Op is a single outbound operation. Extras/Key/Value are pre-encoded by
// the caller (clusternode); kvconn only frames and correlates them.
type Op struct {
	Opcode  wireproto.Opcode
	VBucket uint16
	CAS     uint64
	Extras  []byte
	Key     []byte
	Value   []byte
}

// Result is what a completed op resolves to: either a decoded packet or an
// error (I/O failure, cancellation, or timeout — never a non-success wire
// status, which is a successful Send whose Packet.Header.Status() is
// non-zero).
type Result struct {
	Packet *wireproto.Packet
	Err    error
}

type pendingOp struct {
	resultCh chan Result
	done     atomic.Bool
}

// Connection is one authenticated TCP session. All exported methods are
// safe for concurrent use, but sends are internally
// serialized: concurrent Send calls queue behind sendMu rather than racing
// on the wire.
type Connection struct {
	ID     uint64
	nc     net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex

	pending sync.Map // uint32 opaque -> *pendingOp

	dead        atomic.Bool
	lastActive  atomic.Int64 // unix nano, updated on every send/receive
	idleSince   atomic.Int64 // unix nano when the connection last went idle

	Features map[Feature]bool
	ErrorMap *wireproto.ErrorMap

	closeOnce sync.Once
	closed    chan struct{}
}

var connIDCounter atomic.Uint64

// Dial opens a TCP connection to addr, upgrading to TLS when tlsConfig is
// non-nil. It does not negotiate HELLO or authenticate; call Initialize for
// that.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kvconn: dial %s: %w", addr, err)
	}
	if tlsConfig != nil {
		tc := tls.Client(nc, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("kvconn: tls handshake %s: %w", addr, err)
		}
		nc = tc
	}
	return newConnection(nc), nil
}

func newConnection(nc net.Conn) *Connection {
	c := &Connection{
		ID:     connIDCounter.Add(1),
		nc:     nc,
		reader: bufio.NewReaderSize(nc, 16*1024),
		closed: make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastActive.Store(now)
	c.idleSince.Store(now)
	go c.readLoop()
	return c
}

// IsDead reports whether this connection has observed a fatal error. Once
// true, it is permanent.
func (c *Connection) IsDead() bool { return c.dead.Load() }

// IdleTime reports how long this connection has had zero in-flight
// operations, used by the pool's scale-down victim selection.
func (c *Connection) IdleTime() time.Duration {
	since := c.idleSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

func (c *Connection) markBusy() { c.idleSince.Store(0) }
func (c *Connection) markIdle() { c.idleSince.Store(time.Now().UnixNano()) }

func (c *Connection) markDead(err error) {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}
	c.pending.Range(func(key, value any) bool {
		p := value.(*pendingOp)
		c.deliver(p, Result{Err: fmt.Errorf("kvconn: connection %d died: %w", c.ID, err)})
		c.pending.Delete(key)
		return true
	})
	_ = c.nc.Close()
}

func (c *Connection) deliver(p *pendingOp, r Result) {
	if p.done.CompareAndSwap(false, true) {
		p.resultCh <- r
	}
}

// Send serializes op onto the wire and blocks until the matching response
// arrives, ctx is done, or the connection dies. A context cancellation or
// deadline removes the opaque registration and completes with ctx.Err();
// bytes that arrive afterward are discarded in readLoop because no pending
// entry remains to match them.
func (c *Connection) Send(ctx context.Context, op Op) (*wireproto.Packet, error) {
	if c.IsDead() {
		return nil, ErrDead
	}
	opaque := wireproto.NextOpaque()
	p := &pendingOp{resultCh: make(chan Result, 1)}
	c.pending.Store(opaque, p)
	c.markBusy()

	frame, release := wireproto.EncodeRequest(op.Opcode, op.VBucket, opaque, op.CAS, op.Extras, op.Key, op.Value)

	c.sendMu.Lock()
	_, err := c.nc.Write(frame)
	c.sendMu.Unlock()
	release()
	if err != nil {
		c.pending.Delete(opaque)
		c.markDead(err)
		return nil, fmt.Errorf("kvconn: write: %w", err)
	}
	c.lastActive.Store(time.Now().UnixNano())

	select {
	case res := <-p.resultCh:
		c.markIdle()
		return res.Packet, res.Err
	case <-ctx.Done():
		c.pending.Delete(opaque)
		c.markIdle()
		return nil, ctx.Err()
	case <-c.closed:
		c.pending.Delete(opaque)
		return nil, ErrDead
	}
}

// readLoop is the single task driving this connection's receive side. It
// runs until a fatal read error marks the connection dead.
func (c *Connection) readLoop() {
	for {
		pkt, err := wireproto.ReadPacket(c.reader)
		if err != nil {
			c.markDead(err)
			close(c.closed)
			return
		}
		c.lastActive.Store(time.Now().UnixNano())
		v, ok := c.pending.LoadAndDelete(pkt.Header.Opaque)
		if !ok {
			// No matching opaque: either a cancelled op or a stray frame.
			// Discarded
			pkt.Release()
			continue
		}
		p := v.(*pendingOp)
		c.deliver(p, Result{Packet: pkt})
	}
}

// Close stops accepting new sends are not applicable here (the pool layer
// owns admission); Close waits up to grace for in-flight operations to
// drain their responses before shutting down the socket.
func (c *Connection) Close(grace time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(grace)
		for grace > 0 && time.Now().Before(deadline) {
			if !c.hasInFlight() {
				break
			}
			time.Sleep(time.Millisecond)
		}
		c.dead.Store(true)
		err = c.nc.Close()
	})
	return err
}

func (c *Connection) hasInFlight() bool {
	has := false
	c.pending.Range(func(_, _ any) bool {
		has = true
		return false
	})
	return has
}
