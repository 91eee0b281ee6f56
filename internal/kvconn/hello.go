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

package kvconn

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// Feature is a HELLO-negotiated server capability.
type Feature uint16

const (
	FeatureSelectBucket       Feature = 0x08
	FeatureAltRequest         Feature = 0x10
	FeatureSyncReplication    Feature = 0x11
	FeatureSubdocXattrs       Feature = 0x06
	FeatureXError             Feature = 0x07
	FeatureCollections        Feature = 0x12
	FeatureMutationSeqno      Feature = 0x04
	FeatureServerDuration     Feature = 0x0f
	FeatureTLS                Feature = 0x02
)

// HelloOptions selects which features to request during negotiation.
// Collections, mutation tokens, and server-duration tracing are
// conditional; the baseline set is always requested.
type HelloOptions struct {
	EnableCollections     bool
	EnableMutationTokens  bool
	EnableDurationTracing bool
}

func baselineFeatures() []Feature {
	return []Feature{
		FeatureSelectBucket,
		FeatureAltRequest,
		FeatureSyncReplication,
		FeatureSubdocXattrs,
		FeatureXError,
	}
}

// Hello performs HELLO negotiation and stores the server's accepted
// feature set on the connection.
func (c *Connection) Hello(ctx context.Context, userAgent string, opts HelloOptions) error {
	features := baselineFeatures()
	if opts.EnableCollections {
		features = append(features, FeatureCollections)
	}
	if opts.EnableMutationTokens {
		features = append(features, FeatureMutationSeqno)
	}
	if opts.EnableDurationTracing {
		features = append(features, FeatureServerDuration)
	}

	value := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(value[i*2:i*2+2], uint16(f))
	}

	pkt, err := c.Send(ctx, Op{Opcode: wireproto.OpHello, Key: []byte(userAgent), Value: value})
	if err != nil {
		return fmt.Errorf("kvconn: HELLO: %w", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		return fmt.Errorf("kvconn: HELLO rejected: status %v", pkt.Header.Status())
	}

	accepted := make(map[Feature]bool, len(pkt.Value)/2)
	for i := 0; i+1 < len(pkt.Value); i += 2 {
		accepted[Feature(binary.BigEndian.Uint16(pkt.Value[i:i+2]))] = true
	}
	c.Features = accepted
	return nil
}

// FetchErrorMap runs GET_ERROR_MAP and stores the decoded map on the
// connection for use by clusternode's status translation.
func (c *Connection) FetchErrorMap(ctx context.Context, version uint16) error {
	extras := make([]byte, 2)
	binary.BigEndian.PutUint16(extras, version)
	pkt, err := c.Send(ctx, Op{Opcode: wireproto.OpGetErrorMap, Value: extras})
	if err != nil {
		return fmt.Errorf("kvconn: GET_ERROR_MAP: %w", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		return fmt.Errorf("kvconn: GET_ERROR_MAP rejected: status %v", pkt.Header.Status())
	}
	em, err := wireproto.ParseErrorMap(pkt.Value)
	if err != nil {
		return err
	}
	c.ErrorMap = em
	return nil
}

// SelectBucket binds this connection's session to bucket. It must run
// after authentication and is re-issued on every connection in a node's
// pool when the node transitions from unassigned to assigned.
func (c *Connection) SelectBucket(ctx context.Context, bucket string) error {
	pkt, err := c.Send(ctx, Op{Opcode: wireproto.OpSelectBucket, Key: []byte(bucket)})
	if err != nil {
		return fmt.Errorf("kvconn: SELECT_BUCKET: %w", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		return fmt.Errorf("kvconn: SELECT_BUCKET(%s) rejected: status %v", bucket, pkt.Header.Status())
	}
	return nil
}
