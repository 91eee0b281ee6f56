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

package wireproto

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// opaqueCounter is the process-wide monotonically increasing opaque source.
// The opaque is the sole correlation key between a send and its
// response: no other field in flight is trusted to match a reply back to
// its request.
var opaqueCounter uint32

// NextOpaque returns the next opaque value in the process-wide sequence.
func NextOpaque() uint32 {
	return atomic.AddUint32(&opaqueCounter, 1)
}

// Packet is a fully decoded frame: header plus the extras/key/value slices
// backing it. buf, when non-nil, is the pooled backing array Release must
// return; callers that keep slices of Extras/Key/Value beyond Release must
// copy them first.
type Packet struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte

	buf *[]byte
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 16*1024)
		return &b
	},
}

// getBuf returns a pooled buffer grown (without retaining old contents) to
// at least n bytes.
func getBuf(n int) *[]byte {
	bp := bufPool.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	} else {
		*bp = (*bp)[:n]
	}
	return bp
}

// Release returns the packet's backing buffer to the pool. Callers must not
// touch Extras/Key/Value after calling Release.
func (p *Packet) Release() {
	if p.buf != nil {
		bufPool.Put(p.buf)
		p.buf = nil
	}
}

// EncodeRequest writes a full request frame (header+extras+key+value) into
// a buffer drawn from the same pool ReadPacket uses, and returns it along
// with the release func the caller must invoke once the frame has been
// written to the wire.
func EncodeRequest(opcode Opcode, vbucket uint16, opaque uint32, cas uint64, extras, key, value []byte) (frame []byte, release func()) {
	total := HeaderLen + len(extras) + len(key) + len(value)
	bp := getBuf(total)
	buf := *bp
	h := Header{
		Magic:           MagicRequest,
		Opcode:          opcode,
		KeyLen:          uint16(len(key)),
		ExtrasLen:       uint8(len(extras)),
		VBucketOrStatus: vbucket,
		TotalBodyLen:    uint32(len(extras) + len(key) + len(value)),
		Opaque:          opaque,
		CAS:             cas,
	}
	h.Encode(buf[:HeaderLen])
	n := HeaderLen
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	return buf, func() { bufPool.Put(bp) }
}

// ReadPacket reads one full frame (header + body) from r into a pooled
// buffer. The hot path performs exactly one syscall-backed read of the
// header (via a buffered reader supplied by the caller) and one of the
// body, with no per-field allocation.
func ReadPacket(r *bufio.Reader) (*Packet, error) {
	hdrBuf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	bodyLen := int(h.TotalBodyLen)
	bp := getBuf(bodyLen)
	body := *bp
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			bufPool.Put(bp)
			return nil, err
		}
	}
	valLen := bodyLen - int(h.KeyLen) - int(h.ExtrasLen)
	if valLen < 0 {
		bufPool.Put(bp)
		return nil, fmt.Errorf("wireproto: negative value length (key=%d extras=%d body=%d)", h.KeyLen, h.ExtrasLen, bodyLen)
	}
	p := &Packet{Header: h, buf: bp}
	off := 0
	p.Extras, off = body[off:off+int(h.ExtrasLen)], off+int(h.ExtrasLen)
	p.Key, off = body[off:off+int(h.KeyLen)], off+int(h.KeyLen)
	p.Value = body[off : off+valLen]
	return p, nil
}
