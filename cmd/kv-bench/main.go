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

// kv-bench drives a fixed-duration read/write workload against one bucket
// and prints a summary on exit: total ops, throughput, and the total error
// count. It doubles as a connectivity smoke test for a freshly stood-up
// cluster.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	shardkv "github.com/shardkv/shardkv-go"
	"github.com/shardkv/shardkv-go/internal/telemetry/kvmetrics"
)

func main() {
	connStr := flag.String("conn", "couchbase://127.0.0.1", "Cluster connection string")
	bucket := flag.String("bucket", "default", "Bucket to open")
	username := flag.String("username", "", "Cluster username")
	password := flag.String("password", "", "Cluster password")
	concurrency := flag.Int("c", 8, "Number of concurrent worker goroutines")
	duration := flag.Duration("duration", 30*time.Second, "How long to run the benchmark")
	valueSize := flag.Int("value_size", 128, "Size in bytes of each written value")
	keySpace := flag.Int("keys", 10000, "Number of distinct keys to cycle through")
	writeRatio := flag.Float64("write_ratio", 0.1, "Fraction of operations that are writes (0..1)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address")
	auditDSN := flag.String("audit_dsn", "", "If non-empty, a postgres DSN for the circuit-breaker audit log")
	flag.Parse()

	var auditDB *sql.DB
	if *auditDSN != "" {
		db, err := sql.Open("postgres", *auditDSN)
		if err != nil {
			log.Fatalf("kv-bench: open audit db: %v", err)
		}
		defer db.Close()
		auditDB = db
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster, err := shardkv.Connect(ctx, *connStr, shardkv.Options{
		Username: *username,
		Password: *password,
		Metrics:  kvmetrics.Config{Enabled: *metricsAddr != "", MetricsAddr: *metricsAddr},
		AuditDB:  auditDB,
	})
	if err != nil {
		log.Fatalf("kv-bench: connect: %v", err)
	}
	defer cluster.Close()

	b, err := cluster.OpenBucket(ctx, *bucket)
	if err != nil {
		log.Fatalf("kv-bench: open bucket %q: %v", *bucket, err)
	}

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	var ops, reads, writes, errs int64
	runCtx, runCancel := context.WithTimeout(ctx, *duration)
	defer runCancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		runCancel()
	}()

	var wg sync.WaitGroup
	wg.Add(*concurrency)
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(id), uint64(start.UnixNano())))
			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}
				key := fmt.Sprintf("kv-bench-%d", rng.IntN(*keySpace))
				if rng.Float64() < *writeRatio {
					if _, err := b.Upsert(runCtx, key, value, 0); err != nil {
						atomic.AddInt64(&errs, 1)
					}
					atomic.AddInt64(&writes, 1)
				} else {
					if _, _, err := b.Get(runCtx, key); err != nil && !shardkv.IsNotFound(err) {
						atomic.AddInt64(&errs, 1)
					}
					atomic.AddInt64(&reads, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("kv-bench: ops=%d reads=%d writes=%d errors=%d duration=%s throughput=%.0f ops/s\n",
		ops, reads, writes, errs, elapsed.Truncate(time.Millisecond), float64(ops)/elapsed.Seconds())
}
