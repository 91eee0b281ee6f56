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
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of the binary protocol header in bytes.
const HeaderLen = 24

// Header is the 24-byte frame header shared by requests and responses. For
// a request, VBucketOrStatus holds the vBucket id; for a response, it holds
// the Status.
type Header struct {
	Magic           byte
	Opcode          Opcode
	KeyLen          uint16
	ExtrasLen       uint8
	DataType        uint8
	VBucketOrStatus uint16
	TotalBodyLen    uint32
	Opaque          uint32
	CAS             uint64
}

// Status interprets VBucketOrStatus as a response status.
func (h Header) Status() Status { return Status(h.VBucketOrStatus) }

// VBucket interprets VBucketOrStatus as a request vBucket id.
func (h Header) VBucket() uint16 { return h.VBucketOrStatus }

// ValueLen returns the length of the value section once key and extras are
// subtracted from the total body length.
func (h Header) ValueLen() int {
	return int(h.TotalBodyLen) - int(h.KeyLen) - int(h.ExtrasLen)
}

// Encode writes the header into dst, which must be at least HeaderLen bytes.
func (h Header) Encode(dst []byte) {
	_ = dst[:HeaderLen]
	dst[0] = h.Magic
	dst[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(dst[2:4], h.KeyLen)
	dst[4] = h.ExtrasLen
	dst[5] = h.DataType
	binary.BigEndian.PutUint16(dst[6:8], h.VBucketOrStatus)
	binary.BigEndian.PutUint32(dst[8:12], h.TotalBodyLen)
	binary.BigEndian.PutUint32(dst[12:16], h.Opaque)
	binary.BigEndian.PutUint64(dst[16:24], h.CAS)
}

// DecodeHeader reads a header from src, which must be at least HeaderLen
// bytes, and validates the magic byte.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, fmt.Errorf("wireproto: short header: %d bytes", len(src))
	}
	h := Header{
		Magic:           src[0],
		Opcode:          Opcode(src[1]),
		KeyLen:          binary.BigEndian.Uint16(src[2:4]),
		ExtrasLen:       src[4],
		DataType:        src[5],
		VBucketOrStatus: binary.BigEndian.Uint16(src[6:8]),
		TotalBodyLen:    binary.BigEndian.Uint32(src[8:12]),
		Opaque:          binary.BigEndian.Uint32(src[12:16]),
		CAS:             binary.BigEndian.Uint64(src[16:24]),
	}
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return Header{}, fmt.Errorf("wireproto: bad magic byte 0x%02x", h.Magic)
	}
	return h, nil
}
