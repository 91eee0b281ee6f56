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
	"testing"
	"time"

	"github.com/shardkv/shardkv-go/internal/clustermap"
	"github.com/shardkv/shardkv-go/internal/clusternode"
)

func TestBucketRouteDocumentNoVBucketMapYet(t *testing.T) {
	bk := &Bucket{
		cluster: &Cluster{},
		b:       &clustermap.Bucket{Name: "default", Type: clusternode.BucketTypeDocument},
	}
	if _, _, err := bk.route("some-key"); err == nil {
		t.Fatalf("expected an error before a vBucket map has been applied")
	}
}

func TestBucketRouteMemcachedNoRingYet(t *testing.T) {
	bk := &Bucket{
		cluster: &Cluster{},
		b:       &clustermap.Bucket{Name: "cache", Type: clusternode.BucketTypeMemcached},
	}
	if _, _, err := bk.route("some-key"); err == nil {
		t.Fatalf("expected an error before a consistent-hash ring has been built")
	}
}

func TestExpirationSecondsZeroAndNegativeFloorToZero(t *testing.T) {
	if got := expirationSeconds(0); got != 0 {
		t.Fatalf("expirationSeconds(0) = %d, want 0", got)
	}
	if got := expirationSeconds(-time.Second); got != 0 {
		t.Fatalf("expirationSeconds(-1s) = %d, want 0", got)
	}
}

func TestExpirationSecondsTruncatesToWholeSeconds(t *testing.T) {
	if got := expirationSeconds(90 * time.Second); got != 90 {
		t.Fatalf("expirationSeconds(90s) = %d, want 90", got)
	}
	if got := expirationSeconds(1500 * time.Millisecond); got != 1 {
		t.Fatalf("expirationSeconds(1500ms) = %d, want 1", got)
	}
}
