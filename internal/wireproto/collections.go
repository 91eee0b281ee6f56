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

// EncodeCollectionKey prefixes key with cid encoded as an unsigned LEB128,
// the wire framing a collections-enabled connection uses to address a
// non-default collection.
func EncodeCollectionKey(cid uint32, key []byte) []byte {
	var prefix [5]byte
	n := 0
	v := cid
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		prefix[n] = b
		n++
		if v == 0 {
			break
		}
	}
	out := make([]byte, n+len(key))
	copy(out, prefix[:n])
	copy(out[n:], key)
	return out
}

// GetCidExtrasLen is the byte length of a GET_CID response's extras: an
// 8-byte manifest uid followed by a 4-byte collection id.
const GetCidExtrasLen = 12

// CollectionIDOffset is the offset of the collection id within GET_CID
// response extras.
const CollectionIDOffset = 8
