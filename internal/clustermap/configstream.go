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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConfigStream subscribes to a bucket's streaming HTTP config endpoint
// (/pools/default/bs/<bucket>), applying each newline-delimited JSON
// config as it arrives.
type ConfigStream struct {
	bucket    *Bucket
	endpoints []string
	client    *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConfigStream builds a subscriber against one bucket, trying
// endpoints (host:httpPort, already resolved) in order on each
// (re)connect attempt.
func NewConfigStream(bucket *Bucket, endpoints []string, client *http.Client) *ConfigStream {
	if client == nil {
		client = http.DefaultClient
	}
	return &ConfigStream{bucket: bucket, endpoints: endpoints, client: client}
}

// Stop cancels Run's context, aborting any in-flight request and ending
// the reconnect loop.
func (s *ConfigStream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run streams configs until ctx is cancelled or Stop is called,
// reconnecting with exponential backoff (100ms initial, x10 multiplier,
// capped at 10s) whenever a connection attempt or the stream itself
// fails.
func (s *ConfigStream) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 10
	bo.MaxInterval = 10 * time.Second

	for {
		if err := runCtx.Err(); err != nil {
			return err
		}

		if err := s.runOnce(runCtx); err != nil {
			wait := bo.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return runCtx.Err()
			case <-timer.C:
			}
			continue
		}
		bo.Reset()
	}
}

// runOnce tries every endpoint once, streaming from the first that
// accepts the connection, and returns when the stream breaks.
func (s *ConfigStream) runOnce(ctx context.Context) error {
	var lastErr error
	for _, ep := range s.endpoints {
		err := s.stream(ctx, ep)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("clustermap: config stream: no endpoints configured")
	}
	return lastErr
}

func (s *ConfigStream) stream(ctx context.Context, endpoint string) error {
	url := fmt.Sprintf("http://%s/pools/default/bs/%s", endpoint, s.bucket.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clustermap: config stream: %s returned %s", endpoint, resp.Status)
	}

	observedHost := hostOnly(endpoint)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cfg, err := ParseClusterConfig(line, observedHost)
		if err != nil {
			continue // malformed keepalive/padding line; skip, don't kill the stream
		}
		if err := s.bucket.ApplyConfig(ctx, cfg); err != nil {
			return err
		}
	}
	return scanner.Err()
}
