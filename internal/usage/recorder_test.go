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

package usage

import (
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store stand-in for tests that only care about
// what the Recorder/flushWorker hand off, not SQL correctness.
type fakeStore struct {
	mu      sync.Mutex
	commits [][]Bucket
}

func (f *fakeStore) CommitBuckets(b []Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Bucket, len(b))
	copy(cp, b)
	f.commits = append(f.commits, cp)
	return nil
}
func (f *fakeStore) Hourly() ([]HourlyStat, error)                     { return nil, nil }
func (f *fakeStore) Minute(time.Duration) ([]MinuteStat, error)        { return nil, nil }
func (f *fakeStore) Last24h() (Summary, error)                        { return Summary{}, nil }
func (f *fakeStore) RecentUsageByKey(time.Time) (map[int]int64, error) { return nil, nil }
func (f *fakeStore) Close() error                                     { return nil }

func (f *fakeStore) totalRequests() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, batch := range f.commits {
		for _, b := range batch {
			n += b.Requests
		}
	}
	return n
}

func TestRecorderCoalescesEventsIntoOneBucket(t *testing.T) {
	store := newBucketStore()
	now := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)

	r := &Recorder{buckets: store}
	for i := 0; i < 5; i++ {
		r.Record(Event{KeyIndex: 2, Model: "llama3", PromptTokens: 10, CompletionTokens: 20, TimestampUTC: now})
	}

	buckets := store.drainAll(now, 0)
	if len(buckets) != 1 {
		t.Fatalf("expected exactly one coalesced bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if b.Requests != 5 || b.PromptTokens != 50 || b.CompletionTokens != 100 {
		t.Fatalf("unexpected bucket totals: %+v", b)
	}
	if b.KeyIndex != 2 || b.Model != "llama3" {
		t.Fatalf("unexpected bucket identity: %+v", b)
	}
}

func TestRecorderSeparatesBucketsByMinuteKeyAndModel(t *testing.T) {
	store := newBucketStore()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	r := &Recorder{buckets: store}
	r.Record(Event{KeyIndex: 0, Model: "a", PromptTokens: 1, TimestampUTC: t0})
	r.Record(Event{KeyIndex: 1, Model: "a", PromptTokens: 1, TimestampUTC: t0})
	r.Record(Event{KeyIndex: 0, Model: "b", PromptTokens: 1, TimestampUTC: t0})
	r.Record(Event{KeyIndex: 0, Model: "a", PromptTokens: 1, TimestampUTC: t1})

	buckets := store.drainAll(t1, 0)
	if len(buckets) != 4 {
		t.Fatalf("expected 4 distinct buckets, got %d", len(buckets))
	}
}

func TestFlushWorkerCommitsOnTickerAndOnStop(t *testing.T) {
	store := newBucketStore()
	dest := &fakeStore{}
	w := newFlushWorker(store, dest, 15*time.Millisecond, 0)
	w.Start()

	now := time.Now()
	store.getOrCreate(bucketKey{KeyIndex: 0, Model: "m", MinuteUnix: now.Unix()}).add(5, 5, now.UnixNano())

	deadline := time.Now().Add(2 * time.Second)
	for dest.totalRequests() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dest.totalRequests() == 0 {
		t.Fatalf("expected the ticker to have flushed at least one bucket")
	}

	store.getOrCreate(bucketKey{KeyIndex: 1, Model: "m", MinuteUnix: now.Unix()}).add(1, 1, now.UnixNano())
	w.Stop()
	if got := dest.totalRequests(); got != 2 {
		t.Fatalf("expected final flush to bring total requests to 2, got %d", got)
	}
}

func TestBucketStoreEvictsIdleCells(t *testing.T) {
	store := newBucketStore()
	past := time.Now().Add(-time.Hour)
	store.getOrCreate(bucketKey{KeyIndex: 0, Model: "m", MinuteUnix: past.Unix()}).add(0, 0, past.UnixNano())

	store.drainAll(time.Now(), time.Minute)

	if _, ok := store.cells.Load(bucketKey{KeyIndex: 0, Model: "m", MinuteUnix: past.Unix()}); ok {
		t.Fatalf("expected idle cell to be evicted")
	}
}
