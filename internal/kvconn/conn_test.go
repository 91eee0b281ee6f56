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

package kvconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// fakeServer accepts one connection and lets the test script its responses.
type fakeServer struct {
	ln  net.Listener
	srv net.Conn
}

func newFakeServer(t *testing.T) (*fakeServer, *Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()
	c, err := Dial(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-acceptCh
	return &fakeServer{ln: ln, srv: srv}, c
}

func (f *fakeServer) close() {
	_ = f.srv.Close()
	_ = f.ln.Close()
}

// readRequest reads one framed request off the server side and returns its
// header and body.
func (f *fakeServer) readRequest(t *testing.T) wireproto.Header {
	t.Helper()
	r := bufio.NewReader(f.srv)
	hdrBuf := make([]byte, wireproto.HeaderLen)
	if _, err := ioReadFull(r, hdrBuf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, err := wireproto.DecodeHeader(hdrBuf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	body := make([]byte, hdr.TotalBodyLen)
	if _, err := ioReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return hdr
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (f *fakeServer) writeResponse(t *testing.T, opcode wireproto.Opcode, status wireproto.Status, opaque uint32, value []byte) {
	t.Helper()
	hdr := make([]byte, wireproto.HeaderLen)
	hdr[0] = wireproto.MagicResponse
	hdr[1] = byte(opcode)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(status))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(value)))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	if _, err := f.srv.Write(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(value) > 0 {
		if _, err := f.srv.Write(value); err != nil {
			t.Fatalf("write value: %v", err)
		}
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	f, c := newFakeServer(t)
	defer f.close()
	defer c.Close(0)

	go func() {
		hdr := f.readRequest(t)
		f.writeResponse(t, hdr.Opcode, wireproto.StatusSuccess, hdr.Opaque, []byte("pong"))
	}()

	pkt, err := c.Send(context.Background(), Op{Opcode: wireproto.OpGet, Key: []byte("ping")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		t.Fatalf("status = %v, want success", pkt.Header.Status())
	}
	if string(pkt.Value) != "pong" {
		t.Fatalf("value = %q, want pong", pkt.Value)
	}
}

func TestSendContextCancellation(t *testing.T) {
	f, c := newFakeServer(t)
	defer f.close()
	defer c.Close(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, Op{Opcode: wireproto.OpGet, Key: []byte("slow")})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestConnectionMarksDeadOnReadError(t *testing.T) {
	f, c := newFakeServer(t)
	defer c.Close(0)

	f.close() // force a read error in readLoop

	deadline := time.Now().Add(time.Second)
	for !c.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.IsDead() {
		t.Fatal("expected connection to be marked dead after listener closed")
	}

	_, err := c.Send(context.Background(), Op{Opcode: wireproto.OpGet, Key: []byte("x")})
	if err != ErrDead {
		t.Fatalf("Send after death = %v, want ErrDead", err)
	}
}

func TestIdleTimeTracksBusyWindow(t *testing.T) {
	f, c := newFakeServer(t)
	defer f.close()
	defer c.Close(0)

	go func() {
		hdr := f.readRequest(t)
		time.Sleep(5 * time.Millisecond)
		f.writeResponse(t, hdr.Opcode, wireproto.StatusSuccess, hdr.Opaque, nil)
	}()

	pkt, err := c.Send(context.Background(), Op{Opcode: wireproto.OpNoop})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	pkt.Release()

	time.Sleep(5 * time.Millisecond)
	if c.IdleTime() <= 0 {
		t.Fatal("expected non-zero idle time once no ops are in flight")
	}
}
