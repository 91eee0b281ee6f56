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

package shardkv

import (
	"fmt"
	"net"
	"strings"
)

const defaultKVPort = "11210"
const defaultKVPortTLS = "11207"

// ConnectionString is a parsed couchbase://-style connection string.
type ConnectionString struct {
	TLS         bool
	Hosts       []string // host[:port], port defaulted if absent
	SRVHost     string   // bare hostname, set only when SRVEligible
	SRVEligible bool
}

// ParseConnectionString parses a connection string of the form
// "couchbase[s]://host1[:port1],host2[:port2][/?opt=val]". DNS-SRV
// resolution is eligible only for a single bare hostname with no explicit
// port, matching real-world SDK connection-string semantics: once the
// caller lists multiple hosts or a port, they've opted out of discovery.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString

	rest := s
	switch {
	case strings.HasPrefix(rest, "couchbases://"):
		cs.TLS = true
		rest = strings.TrimPrefix(rest, "couchbases://")
	case strings.HasPrefix(rest, "couchbase://"):
		rest = strings.TrimPrefix(rest, "couchbase://")
	default:
		return ConnectionString{}, fmt.Errorf("shardkv: unsupported connection string scheme in %q", s)
	}

	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return ConnectionString{}, fmt.Errorf("shardkv: connection string %q has no host", s)
	}

	parts := strings.Split(rest, ",")
	defaultPort := defaultKVPort
	if cs.TLS {
		defaultPort = defaultKVPortTLS
	}

	if len(parts) == 1 && !strings.Contains(parts[0], ":") {
		cs.SRVEligible = true
		cs.SRVHost = parts[0]
	}

	for _, p := range parts {
		if p == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(p); err != nil {
			p = net.JoinHostPort(p, defaultPort)
		}
		cs.Hosts = append(cs.Hosts, p)
	}
	if len(cs.Hosts) == 0 {
		return ConnectionString{}, fmt.Errorf("shardkv: connection string %q has no usable host", s)
	}
	return cs, nil
}
