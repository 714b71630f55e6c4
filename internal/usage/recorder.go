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

import "time"

// DefaultFlushInterval is how often the Recorder's background worker
// commits coalesced buckets to durable storage.
const DefaultFlushInterval = 10 * time.Second

// DefaultIdleTimeout bounds how long an untouched (key, model, minute)
// cell is kept in memory before being evicted.
const DefaultIdleTimeout = 10 * time.Minute

// Recorder is the hot-path entry point the dispatch engine calls once per
// completed upstream request. Record never performs I/O — it only
// touches the in-memory bucket store. Durable persistence happens on the
// flushWorker's own schedule, decoupling request latency from storage
// latency entirely.
type Recorder struct {
	buckets *bucketStore
	worker  *flushWorker
}

// NewRecorder wires a Recorder against a durable Store, flushing
// coalesced buckets every flushInterval and dropping cells idle for
// longer than idleTimeout. The background worker starts immediately.
func NewRecorder(dest Store, flushInterval, idleTimeout time.Duration) *Recorder {
	store := newBucketStore()
	r := &Recorder{
		buckets: store,
		worker:  newFlushWorker(store, dest, flushInterval, idleTimeout),
	}
	r.worker.Start()
	return r
}

// Record coalesces one usage event into its (key, model, minute) bucket.
func (r *Recorder) Record(ev Event) {
	minute := ev.TimestampUTC.Truncate(time.Minute).Unix()
	key := bucketKey{KeyIndex: ev.KeyIndex, Model: ev.Model, MinuteUnix: minute}
	r.buckets.getOrCreate(key).add(ev.PromptTokens, ev.CompletionTokens, ev.TimestampUTC.UnixNano())
}

// Stop flushes any remaining in-memory usage and stops the background
// worker. Call once during graceful shutdown.
func (r *Recorder) Stop() {
	r.worker.Stop()
}
