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

// kv-loadgen is a small, dependency-free KV load generator: fixed request
// count split across concurrent workers, hot/cold key skew, and a
// latency-percentile summary on exit.
//
// Usage:
//
//	kv-loadgen -conn couchbase://127.0.0.1 -bucket default -mode single -key alice -n 5000 -c 16
//	kv-loadgen -conn couchbase://127.0.0.1 -bucket default -mode zipf -hot_key hot-1 -cold_keys 50 -n 8000 -c 16
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	shardkv "github.com/shardkv/shardkv-go"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	connStr := flag.String("conn", "couchbase://127.0.0.1", "Cluster connection string")
	bucket := flag.String("bucket", "default", "Bucket to open")
	username := flag.String("username", "", "Cluster username")
	password := flag.String("password", "", "Cluster password")
	modeS := flag.String("mode", string(modeSingle), "Mode: single|zipf")
	key := flag.String("key", "alice-key", "Key for single mode")
	hotKey := flag.String("hot_key", "hot-1", "Hot key for zipf mode")
	coldN := flag.Int("cold_keys", 50, "Number of cold keys to round-robin in zipf mode")
	n := flag.Int("n", 5000, "Total requests to send")
	conc := flag.Int("c", 8, "Number of concurrent workers")
	hotEvery := flag.Int("hot_every", 5, "Zipf-like skew period (all but 1 of every period go to hot; minimum 2)")
	valueSize := flag.Int("value_size", 128, "Size in bytes of each written value")
	timeout := flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_keys must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cluster, err := shardkv.Connect(ctx, *connStr, shardkv.Options{Username: *username, Password: *password})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kv-loadgen: connect: %v\n", err)
		os.Exit(1)
	}
	defer cluster.Close()

	b, err := cluster.OpenBucket(ctx, *bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kv-loadgen: open bucket %q: %v\n", *bucket, err)
		os.Exit(1)
	}

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	var errs int64
	latencies := make([][]int64, *conc)

	worker := func(id, count int) {
		lats := make([]int64, 0, count)
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				latencies[id] = lats
				return
			default:
			}
			var k string
			if m == modeSingle {
				k = *key
			} else if ((i + id) % *hotEvery) != 0 {
				k = *hotKey
			} else {
				idx := ((i + id) % *coldN) + 1
				k = fmt.Sprintf("cold-%d", idx)
			}
			start := time.Now()
			_, err := b.Upsert(ctx, k, value, 0)
			lats = append(lats, time.Since(start).Nanoseconds())
			if err != nil {
				atomic.AddInt64(&errs, 1)
			}
		}
		latencies[id] = lats
	}

	per := *n / *conc
	rem := *n - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	start := time.Now()
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, count int) {
			defer wg.Done()
			worker(id, count)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all []int64
	for _, lats := range latencies {
		all = append(all, lats...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	ops := float64(*n) / elapsed.Seconds()
	fmt.Printf("kv-loadgen: mode=%s n=%d c=%d duration=%s throughput=%.0f ops/s errors=%d p50=%s p95=%s p99=%s\n",
		m, *n, *conc, elapsed.Truncate(time.Millisecond), ops, errs,
		time.Duration(percentile(all, 50)), time.Duration(percentile(all, 95)), time.Duration(percentile(all, 99)))
}

// percentile returns the p-th percentile from a sorted slice of durations
// in nanoseconds.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	weight := pos - math.Floor(pos)
	return int64((1-weight)*float64(sorted[lo]) + weight*float64(sorted[hi]))
}
