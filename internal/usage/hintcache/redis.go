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
	"fmt"
	"strconv"
	"time"
)

const (
	keyPrefix  = "cloudproxy:usage_hint:"
	bucketSpan = time.Hour
)

// incrScript bumps keyIndex's score within one hourly bucket sorted set
// and refreshes the bucket's TTL in a single round trip: a guarded Lua
// mutation rather than separate INCR+EXPIRE calls that could race with a
// concurrent expiry), adapted from a one-shot commit marker to a
// continuously-refreshed rolling counter.
const incrScript = `
local v = redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return v
`

// RedisHintCache tracks approximate per-key token usage over the
// trailing two wall-clock hours using hourly bucketed sorted sets (one
// ZSET per wall-clock hour, member = key index, score = cumulative
// tokens). Recent sums the current bucket and the previous one, which
// covers any point within the last two hours without a background sweep:
// buckets older than bucketTTL expire on their own.
type RedisHintCache struct {
	client    RedisClient
	bucketTTL time.Duration
}

// NewRedisHintCache returns a Cache backed by client. bucketTTL bounds
// how long an hourly bucket survives after its last write; it should
// comfortably exceed bucketSpan so a quiet bucket is still readable by
// the next hour's Recent call.
func NewRedisHintCache(client RedisClient, bucketTTL time.Duration) *RedisHintCache {
	if bucketTTL <= 0 {
		bucketTTL = 3 * bucketSpan
	}
	return &RedisHintCache{client: client, bucketTTL: bucketTTL}
}

func bucketKeyFor(t time.Time) string {
	return keyPrefix + strconv.FormatInt(t.Unix()/int64(bucketSpan.Seconds()), 10)
}

// Record adds tokens to keyIndex's score in the current hour's bucket.
func (r *RedisHintCache) Record(ctx context.Context, keyIndex int, tokens int64) error {
	if tokens == 0 {
		return nil
	}
	key := bucketKeyFor(time.Now())
	member := strconv.Itoa(keyIndex)
	_, err := r.client.Eval(ctx, incrScript, []string{key}, tokens, int(r.bucketTTL.Seconds()), member)
	if err != nil {
		return fmt.Errorf("hintcache: incr key=%d: %w", keyIndex, err)
	}
	return nil
}

// Recent sums the current and previous hourly buckets, returning the
// key-index -> token-count map the Selector consumes. A read failure on
// either bucket is treated as zero for that bucket rather than failing
// the whole call — a stale or partial hint still beats no hint.
func (r *RedisHintCache) Recent(ctx context.Context) (map[int]int64, error) {
	now := time.Now()
	out := make(map[int]int64)
	for _, bucketTime := range []time.Time{now, now.Add(-bucketSpan)} {
		scores, err := r.client.ZRangeWithScores(ctx, bucketKeyFor(bucketTime))
		if err != nil {
			continue
		}
		for member, score := range scores {
			idx, convErr := strconv.Atoi(member)
			if convErr != nil {
				continue
			}
			out[idx] += score
		}
	}
	return out, nil
}
