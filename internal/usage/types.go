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

// Package usage implements token-usage accounting: the fast in-memory
// accumulator that coalesces per-request events into per-(key, model,
// minute) buckets, the background worker that flushes those buckets to
// durable storage, and the SQL-backed store that serves the /stats
// endpoints.
package usage

import "time"

// Event is one append-only accounting record. The dispatch engine produces
// exactly one per successful upstream call and none for failed calls.
type Event struct {
	KeyIndex         int
	Model            string
	ClientIP         string
	PromptTokens     int64
	CompletionTokens int64
	TimestampUTC     time.Time
	Path             string
	RequestArchiveID string // empty when no archive was written
}

// HourlyStat is one row of the /stats aggregation: total tokens for a
// given key+model within a given UTC hour. It is computed by rolling up
// the minute-granularity storage, never accumulated directly.
type HourlyStat struct {
	HourStart        time.Time
	KeyIndex         int
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
}

// MinuteStat is one row of the /stats/minute aggregation.
type MinuteStat struct {
	MinuteStart      time.Time
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
}

// Summary is the /stats/24h rollup.
type Summary struct {
	Since            time.Time
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
}

// Store is the durable side of usage accounting: what the /stats* HTTP
// handlers read from, and what the flush worker writes batches of
// coalesced buckets into.
type Store interface {
	CommitBuckets(buckets []Bucket) error
	Hourly() ([]HourlyStat, error)
	Minute(window time.Duration) ([]MinuteStat, error)
	Last24h() (Summary, error)
	RecentUsageByKey(since time.Time) (map[int]int64, error)
	Close() error
}
