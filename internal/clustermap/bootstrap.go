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
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shardkv/shardkv-go/internal/clusternode"
	"github.com/shardkv/shardkv-go/internal/kvconn"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// ErrNoBootstrapEndpoints means the connection string resolved to zero
// candidate endpoints.
var ErrNoBootstrapEndpoints = errors.New("clustermap: no bootstrap endpoints")

// ResolveSRV expands a single bootstrap hostname via DNS SRV records, per
// the couchbase:// / couchbases:// connection-string scheme. Eligible
// only when the connection string names exactly one host with no
// explicit port.
func ResolveSRV(ctx context.Context, host string, tls bool) ([]string, bool) {
	service := "couchbase"
	if tls {
		service = "couchbases"
	}
	_, records, err := net.DefaultResolver.LookupSRV(ctx, service, "tcp", host)
	if err != nil || len(records) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%s:%d", strings.TrimSuffix(r.Target, "."), r.Port))
	}
	return out, true
}

// Bootstrap opens bucketName against the candidate endpoints in
// preference order:
//
//  1. Connect, authenticate, and HELLO-negotiate every candidate in
//     parallel (the expensive, independently-failable part).
//  2. Walk the successfully-joined nodes in order, requesting the global
//     cluster map from each in turn, applying the first one that answers.
//  3. If a node reports the bucket isn't connected (pre-7.0 clusters
//     require an explicit per-bucket bootstrap), fall back to seeding a
//     single-node bucket and let NotMyVBucket configs discover the rest.
func Bootstrap(ctx context.Context, c *Context, bucketName string, bucketType clusternode.BucketType, endpoints []string) (*Bucket, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoBootstrapEndpoints
	}

	nodes := make([]*clusternode.Node, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			n, err := c.nodeFactory(ctx, ep)
			if err != nil {
				return nil
			}
			nodes[i] = n
			return nil
		})
	}
	_ = g.Wait()

	b := newBucket(c, bucketName, bucketType)
	c.buckets.Store(bucketName, b)

	var lastErr error
	for i, n := range nodes {
		if n == nil {
			continue
		}
		ep := endpoints[i]

		if bucketType == clusternode.BucketTypeDocument {
			if err := n.SelectBucket(ctx, bucketName); err != nil {
				lastErr = err
				n.Pool.Dispose()
				continue
			}
		}

		pkt, sendErr := n.Send(ctx, kvconn.Op{Opcode: wireproto.OpGetClusterConfig}, false, nil)
		if sendErr != nil {
			var opErr *clusternode.OpError
			if errors.As(sendErr, &opErr) && opErr.Status == wireproto.StatusNoBucket {
				c.AddNode(n)
				b.seedSingleNode(ep)
				return b, nil
			}
			lastErr = sendErr
			n.Pool.Dispose()
			continue
		}

		cfg, err := ParseClusterConfig(pkt.Value, hostOnly(ep))
		pkt.Release()
		if err != nil {
			lastErr = err
			n.Pool.Dispose()
			continue
		}

		c.AddNode(n)
		if err := b.ApplyConfig(ctx, cfg); err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}

	if lastErr == nil {
		lastErr = ErrBucketNotFound
	}
	return nil, fmt.Errorf("clustermap: bootstrap exhausted all endpoints: %w", lastErr)
}

func hostOnly(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}
