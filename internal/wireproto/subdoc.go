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

import "encoding/binary"

// SubdocFlag bits carried per-path in a multi-lookup/multi-mutation spec.
type SubdocFlag uint8

const (
	SubdocFlagNone      SubdocFlag = 0x00
	SubdocFlagXattrPath SubdocFlag = 0x04
	SubdocFlagExpandMacros SubdocFlag = 0x10
	SubdocFlagMkDirP    SubdocFlag = 0x01 // mutation-only: create intermediate path elements
)

// SubdocSpec is one path operation within a multi-lookup or multi-mutation
// request.
type SubdocSpec struct {
	Opcode  Opcode
	Flags   SubdocFlag
	Path    string
	Value   []byte
}

// EncodeMultiSpecs serializes a list of sub-document specs into the body
// format expected by MultiLookup/MultiMutation: repeated
// (opcode,flags,path-len,path,[value-len,value]) records.
func EncodeMultiSpecs(specs []SubdocSpec, withValue bool) []byte {
	size := 0
	for _, s := range specs {
		size += 1 + 1 + 2 + len(s.Path)
		if withValue {
			size += 4 + len(s.Value)
		}
	}
	out := make([]byte, size)
	off := 0
	for _, s := range specs {
		out[off] = byte(s.Opcode)
		out[off+1] = byte(s.Flags)
		binary.BigEndian.PutUint16(out[off+2:off+4], uint16(len(s.Path)))
		off += 4
		off += copy(out[off:], s.Path)
		if withValue {
			binary.BigEndian.PutUint32(out[off:off+4], uint32(len(s.Value)))
			off += 4
			off += copy(out[off:], s.Value)
		}
	}
	return out
}

// SubdocResult is one path's outcome from a MultiLookup/MultiMutation
// response body.
type SubdocResult struct {
	Index  int
	Status Status
	Value  []byte
}

// DecodeMultiLookupResults parses a MultiLookup response body: repeated
// (status,value-len,value) records, one per requested path, in order.
func DecodeMultiLookupResults(body []byte) []SubdocResult {
	var results []SubdocResult
	off := 0
	idx := 0
	for off+6 <= len(body) {
		status := Status(binary.BigEndian.Uint16(body[off : off+2]))
		vlen := int(binary.BigEndian.Uint32(body[off+2 : off+6]))
		off += 6
		if off+vlen > len(body) {
			break
		}
		results = append(results, SubdocResult{Index: idx, Status: status, Value: body[off : off+vlen]})
		off += vlen
		idx++
	}
	return results
}

// DecodeMultiMutationResults parses the error-path list returned when the
// overall status is SubdocMultiPathFailure: repeated
// (index,status,value-len,value) records, one per failing path only.
func DecodeMultiMutationResults(body []byte) []SubdocResult {
	var results []SubdocResult
	off := 0
	for off+7 <= len(body) {
		index := int(body[off])
		status := Status(binary.BigEndian.Uint16(body[off+1 : off+3]))
		vlen := int(binary.BigEndian.Uint32(body[off+3 : off+7]))
		off += 7
		if off+vlen > len(body) {
			break
		}
		results = append(results, SubdocResult{Index: index, Status: status, Value: body[off : off+vlen]})
		off += vlen
	}
	return results
}
