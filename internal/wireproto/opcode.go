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

// Package wireproto implements the binary request/response framing used to
// talk to a cluster node over a single TCP connection: a fixed 24-byte
// header plus extras/key/value, opaque-correlated responses, and the
// server-published error map. It has no knowledge of pooling, routing, or
// retries — those live above it in kvconn/kvpool/clusternode.
package wireproto

// Opcode identifies the operation carried by a request/response pair.
type Opcode uint8

const (
	OpGet             Opcode = 0x00
	OpSet             Opcode = 0x01
	OpAdd             Opcode = 0x02
	OpReplace         Opcode = 0x03
	OpDelete          Opcode = 0x04
	OpIncrement       Opcode = 0x05
	OpDecrement       Opcode = 0x06
	OpAppend          Opcode = 0x0e
	OpPrepend         Opcode = 0x0f
	OpTouch           Opcode = 0x1c
	OpGetAndTouch     Opcode = 0x1d
	OpGetAndLock      Opcode = 0x94
	OpUnlock          Opcode = 0x95
	OpObserve         Opcode = 0x92
	OpGetClusterConfig Opcode = 0xb5
	OpGetErrorMap     Opcode = 0xfe
	OpHello           Opcode = 0x1f
	OpSaslListMechs   Opcode = 0x20
	OpSaslAuth        Opcode = 0x21
	OpSaslStep        Opcode = 0x22
	OpSelectBucket    Opcode = 0x89
	OpGetCollectionsManifest Opcode = 0xba
	OpGetCid          Opcode = 0xbb
	OpNoop            Opcode = 0x0a

	// Sub-document opcodes.
	OpSubdocGet       Opcode = 0xc5
	OpSubdocExists    Opcode = 0xc6
	OpSubdocDictAdd   Opcode = 0xc7
	OpSubdocDictSet   Opcode = 0xc8
	OpSubdocDelete    Opcode = 0xc9
	OpSubdocReplace   Opcode = 0xca
	OpSubdocArrayPushLast  Opcode = 0xcb
	OpSubdocArrayPushFirst Opcode = 0xcc
	OpSubdocArrayInsert    Opcode = 0xcd
	OpSubdocArrayAddUnique Opcode = 0xce
	OpSubdocCounter   Opcode = 0xcf
	OpSubdocMultiLookup   Opcode = 0xd0
	OpSubdocMultiMutation Opcode = 0xd1
)

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "unknown-opcode"
}

var opcodeNames = map[Opcode]string{
	OpGet:                    "Get",
	OpSet:                    "Set",
	OpAdd:                    "Add",
	OpReplace:                "Replace",
	OpDelete:                 "Delete",
	OpIncrement:              "Increment",
	OpDecrement:              "Decrement",
	OpAppend:                 "Append",
	OpPrepend:                "Prepend",
	OpTouch:                  "Touch",
	OpGetAndTouch:            "GetAndTouch",
	OpGetAndLock:             "GetAndLock",
	OpUnlock:                 "Unlock",
	OpObserve:                "Observe",
	OpGetClusterConfig:       "GetClusterConfig",
	OpGetErrorMap:            "GetErrorMap",
	OpHello:                  "Hello",
	OpSaslListMechs:          "SaslListMechanisms",
	OpSaslAuth:               "SaslAuth",
	OpSaslStep:               "SaslStep",
	OpSelectBucket:           "SelectBucket",
	OpGetCollectionsManifest: "GetCollectionsManifest",
	OpGetCid:                 "GetCid",
	OpNoop:                   "Noop",
	OpSubdocGet:              "SubdocGet",
	OpSubdocExists:           "SubdocExists",
	OpSubdocDictAdd:          "SubdocDictAdd",
	OpSubdocDictSet:          "SubdocDictSet",
	OpSubdocDelete:           "SubdocDelete",
	OpSubdocReplace:          "SubdocReplace",
	OpSubdocArrayPushLast:    "SubdocArrayPushLast",
	OpSubdocArrayPushFirst:   "SubdocArrayPushFirst",
	OpSubdocArrayInsert:      "SubdocArrayInsert",
	OpSubdocArrayAddUnique:   "SubdocArrayAddUnique",
	OpSubdocCounter:          "SubdocCounter",
	OpSubdocMultiLookup:      "SubdocMultiLookup",
	OpSubdocMultiMutation:    "SubdocMultiMutation",
}

// Magic bytes identifying request vs response frames.
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)
