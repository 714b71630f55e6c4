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
	"sync/atomic"
	"time"

	"cloudproxy/internal/logging"
)

// flushWorker periodically drains the in-memory bucket store and commits
// the result to a durable Store: a ticker loop plus a graceful Stop that
// performs one final flush before returning, made idempotent with a CAS
// guard.
type flushWorker struct {
	store       *bucketStore
	dest        Store
	interval    time.Duration
	idleTimeout time.Duration
	stopChan    chan struct{}
	wg          sync.WaitGroup
	stopped     atomic.Uint32
}

func newFlushWorker(store *bucketStore, dest Store, interval, idleTimeout time.Duration) *flushWorker {
	return &flushWorker{
		store:       store,
		dest:        dest,
		interval:    interval,
		idleTimeout: idleTimeout,
		stopChan:    make(chan struct{}),
	}
}

func (w *flushWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

// Stop is safe to call more than once; only the first call performs the
// final flush.
func (w *flushWorker) Stop() {
	if !w.stopped.CompareAndSwap(0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
	w.flush()
}

func (w *flushWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.stopChan:
			return
		}
	}
}

func (w *flushWorker) flush() {
	buckets := w.store.drainAll(time.Now(), w.idleTimeout)
	if len(buckets) == 0 {
		return
	}
	if err := w.dest.CommitBuckets(buckets); err != nil {
		logging.Error("usage: commit batch failed", logging.Fields{"error": err.Error(), "buckets": len(buckets)})
	}
}
