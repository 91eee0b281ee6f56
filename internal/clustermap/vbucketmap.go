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

import "hash/crc32"

// NoReplica marks an absent replica slot.
const NoReplica = -1

// VBucketMap is an immutable document-bucket routing table: which server
// index owns each vBucket's primary and replica copies. It is swapped by
// reference on each new config revision.
type VBucketMap struct {
	serverList []string
	table      [][]int // table[vbucket] = [primary, replica1, replica2, ...]
}

// NewVBucketMap builds a routing table from a parsed VBucketServerMap.
func NewVBucketMap(m *VBucketServerMap) *VBucketMap {
	table := make([][]int, len(m.VBucketMap))
	copy(table, m.VBucketMap)
	servers := make([]string, len(m.ServerList))
	copy(servers, m.ServerList)
	return &VBucketMap{serverList: servers, table: table}
}

// NumVBuckets reports the number of vBuckets N in this map.
func (v *VBucketMap) NumVBuckets() int { return len(v.table) }

// VBucketForKey computes vbucket_index = crc32(key) mod N using the
// standard CRC32-IEEE polynomial.
func (v *VBucketMap) VBucketForKey(key []byte) uint16 {
	n := uint32(len(v.table))
	if n == 0 {
		return 0
	}
	return uint16(crc32.ChecksumIEEE(key) % n)
}

// Primary returns the server index hosting vbucket's primary copy, or -1
// if the vbucket is unassigned.
func (v *VBucketMap) Primary(vbucket uint16) int {
	row := v.rowFor(vbucket)
	if row == nil || len(row) == 0 {
		return NoReplica
	}
	return row[0]
}

// Replica returns the server index hosting vbucket's i-th replica (i
// starting at 0), or NoReplica if that replica slot doesn't exist.
func (v *VBucketMap) Replica(vbucket uint16, i int) int {
	row := v.rowFor(vbucket)
	idx := i + 1
	if row == nil || idx >= len(row) {
		return NoReplica
	}
	return row[idx]
}

func (v *VBucketMap) rowFor(vbucket uint16) []int {
	if int(vbucket) >= len(v.table) {
		return nil
	}
	return v.table[vbucket]
}

// ServerAddress resolves a server-list index to its address, or "" if out
// of range (e.g. NoReplica).
func (v *VBucketMap) ServerAddress(idx int) string {
	if idx < 0 || idx >= len(v.serverList) {
		return ""
	}
	return v.serverList[idx]
}

// ServerList returns the ordered addresses the vbucket indices are
// relative to.
func (v *VBucketMap) ServerList() []string {
	out := make([]string, len(v.serverList))
	copy(out, v.serverList)
	return out
}

// Route resolves key to its primary server address and available replica
// addresses, plus the vbucket id the caller must dispatch the op against
// for server-side verification.
func (v *VBucketMap) Route(key []byte) (vbucket uint16, primary string, replicas []string) {
	vbucket = v.VBucketForKey(key)
	primary = v.ServerAddress(v.Primary(vbucket))
	row := v.rowFor(vbucket)
	for i := 1; i < len(row); i++ {
		if addr := v.ServerAddress(row[i]); addr != "" {
			replicas = append(replicas, addr)
		}
	}
	return vbucket, primary, replicas
}
