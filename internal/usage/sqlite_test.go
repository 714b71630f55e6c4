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
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitBucketsUpsertsAndSums(t *testing.T) {
	s := openTestStore(t)
	minute := time.Now().Truncate(time.Minute)

	b := Bucket{KeyIndex: 0, Model: "llama3", MinuteStart: minute, PromptTokens: 10, CompletionTokens: 5, Requests: 1}
	if err := s.CommitBuckets([]Bucket{b}); err != nil {
		t.Fatalf("CommitBuckets: %v", err)
	}
	if err := s.CommitBuckets([]Bucket{b}); err != nil {
		t.Fatalf("CommitBuckets (second): %v", err)
	}

	usage, err := s.RecentUsageByKey(minute.Add(-time.Second))
	if err != nil {
		t.Fatalf("RecentUsageByKey: %v", err)
	}
	if usage[0] != 30 { // (10+5) summed twice
		t.Fatalf("expected summed usage of 30, got %d", usage[0])
	}
}

func TestLast24hExcludesOlderBuckets(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	recent := Bucket{KeyIndex: 0, Model: "m", MinuteStart: now.Truncate(time.Minute), PromptTokens: 100, Requests: 1}
	stale := Bucket{KeyIndex: 0, Model: "m", MinuteStart: now.Add(-48 * time.Hour), PromptTokens: 999, Requests: 1}
	if err := s.CommitBuckets([]Bucket{recent, stale}); err != nil {
		t.Fatalf("CommitBuckets: %v", err)
	}

	sum, err := s.Last24h()
	if err != nil {
		t.Fatalf("Last24h: %v", err)
	}
	if sum.PromptTokens != 100 {
		t.Fatalf("expected stale bucket excluded, got prompt tokens %d", sum.PromptTokens)
	}
}

func TestHourlyRollsUpMinuteBuckets(t *testing.T) {
	s := openTestStore(t)
	hour := time.Now().Truncate(time.Hour)

	b1 := Bucket{KeyIndex: 0, Model: "m", MinuteStart: hour, PromptTokens: 10, Requests: 1}
	b2 := Bucket{KeyIndex: 0, Model: "m", MinuteStart: hour.Add(30 * time.Minute), PromptTokens: 20, Requests: 1}
	if err := s.CommitBuckets([]Bucket{b1, b2}); err != nil {
		t.Fatalf("CommitBuckets: %v", err)
	}

	stats, err := s.Hourly()
	if err != nil {
		t.Fatalf("Hourly: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one rolled-up hour, got %d", len(stats))
	}
	if stats[0].PromptTokens != 30 || stats[0].Requests != 2 {
		t.Fatalf("unexpected rollup: %+v", stats[0])
	}
}

func TestMinuteWindowFiltersByAge(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	recent := Bucket{KeyIndex: 0, Model: "m", MinuteStart: now.Truncate(time.Minute), Requests: 1}
	old := Bucket{KeyIndex: 0, Model: "m", MinuteStart: now.Add(-2 * time.Hour), Requests: 1}
	if err := s.CommitBuckets([]Bucket{recent, old}); err != nil {
		t.Fatalf("CommitBuckets: %v", err)
	}

	stats, err := s.Minute(10 * time.Minute)
	if err != nil {
		t.Fatalf("Minute: %v", err)
	}
	var total int64
	for _, m := range stats {
		total += m.Requests
	}
	if total != 1 {
		t.Fatalf("expected only the recent bucket within the window, got total requests %d", total)
	}
}
