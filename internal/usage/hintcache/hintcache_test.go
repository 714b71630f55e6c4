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

package hintcache

import (
	"context"
	"testing"
	"time"
)

// fakeRedisClient emulates just enough of Redis's ZINCRBY/EXPIRE/ZRANGE
// WITHSCORES behavior in-process to exercise RedisHintCache without a
// real server. Buckets are plain in-memory maps keyed by the sorted-set
// key name; TTL/expiry is not simulated since no test needs a bucket to
// actually expire mid-run.
type fakeRedisClient struct {
	buckets map[string]map[string]int64
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{buckets: make(map[string]map[string]int64)}
}

func (f *fakeRedisClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) != 1 || len(args) != 3 {
		panic("unexpected Eval shape in test fake")
	}
	key := keys[0]
	delta := args[0].(int64)
	member := args[2].(string)
	if f.buckets[key] == nil {
		f.buckets[key] = make(map[string]int64)
	}
	f.buckets[key][member] += delta
	return f.buckets[key][member], nil
}

func (f *fakeRedisClient) ZRangeWithScores(_ context.Context, key string) (map[string]int64, error) {
	out := make(map[string]int64, len(f.buckets[key]))
	for member, score := range f.buckets[key] {
		out[member] = score
	}
	return out, nil
}

func TestRedisHintCacheRecordAndRecent(t *testing.T) {
	client := newFakeRedisClient()
	c := NewRedisHintCache(client, time.Hour)
	ctx := context.Background()

	if err := c.Record(ctx, 0, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := c.Record(ctx, 0, 50); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := c.Record(ctx, 1, 10); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := c.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recent[0] != 150 {
		t.Fatalf("expected key 0 usage 150, got %d", recent[0])
	}
	if recent[1] != 10 {
		t.Fatalf("expected key 1 usage 10, got %d", recent[1])
	}
}

func TestRedisHintCacheRecordZeroIsNoop(t *testing.T) {
	client := newFakeRedisClient()
	c := NewRedisHintCache(client, time.Hour)
	if err := c.Record(context.Background(), 0, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(client.buckets) != 0 {
		t.Fatalf("expected no Eval call for a zero-token record")
	}
}

func TestRedisHintCacheSumsCurrentAndPreviousBucket(t *testing.T) {
	client := newFakeRedisClient()
	c := NewRedisHintCache(client, time.Hour)
	ctx := context.Background()

	now := time.Now()
	prevBucket := bucketKeyFor(now.Add(-bucketSpan))
	client.buckets[prevBucket] = map[string]int64{"3": 40}

	if err := c.Record(ctx, 3, 60); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := c.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recent[3] != 100 {
		t.Fatalf("expected current+previous bucket sum 100, got %d", recent[3])
	}
}

func TestMemoryCacheRecordAndRecent(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	c.Record(ctx, 2, 7)
	c.Record(ctx, 2, 3)

	recent, err := c.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recent[2] != 10 {
		t.Fatalf("expected key 2 usage 10, got %d", recent[2])
	}
}

func TestBuildSelectsAdapterByName(t *testing.T) {
	mem, err := Build("memory", "", 0)
	if err != nil {
		t.Fatalf("Build(memory): %v", err)
	}
	if _, ok := mem.(*MemoryCache); !ok {
		t.Fatalf("expected *MemoryCache, got %T", mem)
	}

	redisNoAddr, err := Build("redis", "", time.Hour)
	if err != nil {
		t.Fatalf("Build(redis, no addr): %v", err)
	}
	rc, ok := redisNoAddr.(*RedisHintCache)
	if !ok {
		t.Fatalf("expected *RedisHintCache, got %T", redisNoAddr)
	}
	if _, ok := rc.client.(LoggingRedisClient); !ok {
		t.Fatalf("expected logging client fallback when redisAddr is empty")
	}

	if _, err := Build("bogus", "", 0); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
}
