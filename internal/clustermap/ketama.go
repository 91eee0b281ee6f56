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
	"hash/fnv"

	rendezvous "github.com/dgryski/go-rendezvous"
)

// MemcachedRing routes keys for a memcached-type bucket via consistent
// hashing over the node set, using rendezvous (highest random weight)
// hashing rather than a classic libmemcached ketama ring: it gives the
// same property this routing needs, stable key ownership that reshuffles
// minimally as nodes join or leave, without requiring a bespoke ring
// implementation.
type MemcachedRing struct {
	r       *rendezvous.Rendezvous
	servers []string
}

func ringHash(s string, seed uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum64()
	// Mix the seed in; fnv alone ignores it, and distinct seeds must
	// produce distinct orderings for rendezvous hashing to discriminate
	// between nodes.
	sum ^= seed + 0x9e3779b97f4a7c15 + (sum << 6) + (sum >> 2)
	return sum
}

// NewMemcachedRing builds a ring over servers.
func NewMemcachedRing(servers []string) *MemcachedRing {
	cp := make([]string, len(servers))
	copy(cp, servers)
	return &MemcachedRing{r: rendezvous.New(cp, ringHash), servers: cp}
}

// Route returns the server address owning key.
func (m *MemcachedRing) Route(key []byte) string {
	return m.r.Lookup(string(key))
}

// Add adds a node to the ring.
func (m *MemcachedRing) Add(server string) {
	m.r.Add(server)
	m.servers = append(m.servers, server)
}

// Remove removes a node from the ring.
func (m *MemcachedRing) Remove(server string) {
	m.r.Remove(server)
	for i, s := range m.servers {
		if s == server {
			m.servers = append(m.servers[:i], m.servers[i+1:]...)
			break
		}
	}
}

// Servers returns the current node set.
func (m *MemcachedRing) Servers() []string {
	out := make([]string, len(m.servers))
	copy(out, m.servers)
	return out
}
