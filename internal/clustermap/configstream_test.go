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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shardkv/shardkv-go/internal/clusternode"
)

func TestConfigStreamAppliesEachLine(t *testing.T) {
	lines := []string{
		`{"name":"default","rev":1,"nodes":[{"hostname":"node-a:1"}]}`,
		`{"name":"default","rev":2,"nodes":[{"hostname":"node-a:1"},{"hostname":"node-b:1"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	cctx := NewContext(nil) // no new nodes are ever dialed in this test
	b := newBucket(cctx, "default", clusternode.BucketTypeDocument)
	cctx.buckets.Store("default", b)

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	cs := NewConfigStream(b, []string{endpoint}, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cs.Run(ctx) }()

	deadline := time.After(time.Second)
	for b.Revision() != 2 {
		select {
		case <-deadline:
			t.Fatalf("Revision = %d after 1s, want 2", b.Revision())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cs.Stop()
	<-done
}

func TestConfigStreamStopTerminatesRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cctx := NewContext(nil)
	b := newBucket(cctx, "default", clusternode.BucketTypeDocument)
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	cs := NewConfigStream(b, []string{endpoint}, srv.Client())

	done := make(chan error, 1)
	go func() { done <- cs.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	cs.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
