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

// Package kvmetrics provides opt-in, low-overhead Prometheus telemetry for
// the cluster client. It is safe to call from hot paths: when disabled,
// all public functions are no-ops.
package kvmetrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the behavior of the kvmetrics module.
//
// MetricsAddr, when non-empty, starts a dedicated HTTP server serving
// /metrics. If the host process already exposes Prometheus elsewhere,
// leave it empty and register promhttp there instead.
type Config struct {
	Enabled     bool
	MetricsAddr string
}

var modEnabled atomic.Bool

var (
	poolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkv_pool_connections",
		Help: "Current number of live connections in a node's pool",
	}, []string{"node"})
	poolPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkv_pool_pending_sends",
		Help: "Current depth of a node's pool intake queue",
	}, []string{"node"})
	dispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardkv_dispatch_latency_seconds",
		Help:    "Time from QueueSend to response, per opcode",
		Buckets: prometheus.DefBuckets,
	}, []string{"opcode"})
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_ops_total",
		Help: "Total operations dispatched, partitioned by outcome kind",
	}, []string{"kind"})
	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_breaker_transitions_total",
		Help: "Total circuit breaker state transitions, per node and target state",
	}, []string{"node", "state"})
	configRevisionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_config_revisions_applied_total",
		Help: "Total cluster config revisions applied, per bucket",
	}, []string{"bucket"})
)

func init() {
	prometheus.MustRegister(poolSize, poolPending, dispatchLatency, opsTotal, breakerTransitionsTotal, configRevisionsApplied)
}

// Enable configures the module. Safe to call multiple times; subsequent
// calls replace the config.
func Enable(cfg Config) {
	modEnabled.Store(cfg.Enabled)
	if cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the module is active.
func Enabled() bool { return modEnabled.Load() }

// ObservePoolSize records a node pool's live connection count.
func ObservePoolSize(node string, size int64) {
	if !modEnabled.Load() {
		return
	}
	poolSize.WithLabelValues(node).Set(float64(size))
}

// ObservePoolPending records a node pool's intake queue depth.
func ObservePoolPending(node string, depth int64) {
	if !modEnabled.Load() {
		return
	}
	poolPending.WithLabelValues(node).Set(float64(depth))
}

// ObserveDispatch records one operation's end-to-end dispatch latency.
func ObserveDispatch(opcode string, d time.Duration) {
	if !modEnabled.Load() {
		return
	}
	dispatchLatency.WithLabelValues(opcode).Observe(d.Seconds())
}

// ObserveOpOutcome increments the per-outcome-kind operation counter.
func ObserveOpOutcome(kind string) {
	if !modEnabled.Load() {
		return
	}
	opsTotal.WithLabelValues(kind).Inc()
}

// ObserveBreakerTransition records a circuit breaker moving into state for
// node.
func ObserveBreakerTransition(node, state string) {
	if !modEnabled.Load() {
		return
	}
	breakerTransitionsTotal.WithLabelValues(node, state).Inc()
}

// ObserveConfigApplied increments the applied-revision counter for bucket.
func ObserveConfigApplied(bucket string) {
	if !modEnabled.Load() {
		return
	}
	configRevisionsApplied.WithLabelValues(bucket).Inc()
}

// startMetricsEndpoint exposes /metrics on addr in a background goroutine.
func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
