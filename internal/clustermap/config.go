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

// Package clustermap implements the cluster context (C5): the node
// registry, per-bucket vBucket/ketama routing, config application rules,
// bootstrap, and the streaming config subscriber.
package clustermap

import "encoding/json"

// NodeEntry is one node as described by a cluster config's node list.
type NodeEntry struct {
	Hostname      string            `json:"hostname"`
	Services      map[string]int    `json:"services"`
	ThisNode      bool              `json:"thisNode,omitempty"`
	Version       string            `json:"version,omitempty"`
	CouchAPIBase  string            `json:"couchApiBase,omitempty"`
}

// VBucketServerMap is the document-bucket routing table.
type VBucketServerMap struct {
	HashAlgorithm string     `json:"hashAlgorithm"`
	NumReplicas   int        `json:"numReplicas"`
	ServerList    []string   `json:"serverList"`
	VBucketMap    [][]int    `json:"vBucketMap"`
}

// ClusterConfig is one revision of a bucket's cluster map, as streamed
// from the HTTP config endpoint or extracted from a NotMyVBucket payload.
type ClusterConfig struct {
	Name             string            `json:"name"`
	Rev              int64             `json:"rev"`
	NodesExt         []NodeEntry       `json:"nodesExt,omitempty"`
	Nodes            []NodeEntry       `json:"nodes,omitempty"`
	VBucketServerMap *VBucketServerMap `json:"vBucketServerMap,omitempty"`
	BucketType       string            `json:"bucketType,omitempty"`
	UUID             string            `json:"uuid,omitempty"`
}

// ParseClusterConfig decodes one newline-delimited JSON config line (or a
// NotMyVBucket-embedded config body), substituting the $HOST placeholder
// couchbase servers use for the host the client actually connected to.
func ParseClusterConfig(body []byte, observedHost string) (*ClusterConfig, error) {
	substituted := substituteHost(body, observedHost)
	var cfg ClusterConfig
	if err := json.Unmarshal(substituted, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func substituteHost(body []byte, host string) []byte {
	if host == "" {
		return body
	}
	out := make([]byte, 0, len(body))
	const placeholder = "$HOST"
	for i := 0; i < len(body); {
		if i+len(placeholder) <= len(body) && string(body[i:i+len(placeholder)]) == placeholder {
			out = append(out, host...)
			i += len(placeholder)
			continue
		}
		out = append(out, body[i])
		i++
	}
	return out
}

// VBucketChanged reports whether b's vBucket map differs from a's.
func (a *ClusterConfig) VBucketChanged(b *ClusterConfig) bool {
	if (a.VBucketServerMap == nil) != (b.VBucketServerMap == nil) {
		return true
	}
	if a.VBucketServerMap == nil {
		return false
	}
	am, bm := a.VBucketServerMap, b.VBucketServerMap
	if len(am.VBucketMap) != len(bm.VBucketMap) || len(am.ServerList) != len(bm.ServerList) {
		return true
	}
	for i, row := range am.VBucketMap {
		other := bm.VBucketMap[i]
		if len(row) != len(other) {
			return true
		}
		for j, v := range row {
			if other[j] != v {
				return true
			}
		}
	}
	for i, s := range am.ServerList {
		if bm.ServerList[i] != s {
			return true
		}
	}
	return false
}

// NodesChanged reports whether b's effective node address set differs
// from a's.
func (a *ClusterConfig) NodesChanged(b *ClusterConfig) bool {
	aSet := a.nodeAddressSet()
	bSet := b.nodeAddressSet()
	if len(aSet) != len(bSet) {
		return true
	}
	for addr := range aSet {
		if !bSet[addr] {
			return true
		}
	}
	return false
}

func (c *ClusterConfig) nodeAddressSet() map[string]bool {
	set := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		set[n.Hostname] = true
	}
	return set
}
