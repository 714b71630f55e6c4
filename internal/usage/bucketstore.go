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
	"time"
)

// bucketKey identifies one accumulation cell: a key index, a model name,
// and the UTC minute it belongs to. Minute granularity is coarse enough
// to keep the cell count bounded and fine enough to serve /stats/minute
// without a second accumulation path.
type bucketKey struct {
	KeyIndex   int
	Model      string
	MinuteUnix int64
}

// Bucket is an immutable snapshot of one drained cell, ready to be
// committed to durable storage.
type Bucket struct {
	KeyIndex         int
	Model            string
	MinuteStart      time.Time
	PromptTokens     int64
	CompletionTokens int64
	Requests         int64
}

// bucketStore holds one accumulation cell per (key, model, minute), keyed
// in a sync.Map so hot-path Record calls never contend on a single lock.
type bucketStore struct {
	cells sync.Map // bucketKey -> *cell
}

func newBucketStore() *bucketStore {
	return &bucketStore{}
}

func (s *bucketStore) getOrCreate(key bucketKey) *cell {
	if v, ok := s.cells.Load(key); ok {
		return v.(*cell)
	}
	c := &cell{}
	actual, _ := s.cells.LoadOrStore(key, c)
	return actual.(*cell)
}

// drainAll removes the accumulated totals from every cell with nonzero
// counters and returns them as Buckets. Cells that have been idle for
// longer than idleTimeout (zero disables this) are deleted outright to
// bound memory growth from long-tail (key, model, minute) combinations.
func (s *bucketStore) drainAll(now time.Time, idleTimeout time.Duration) []Bucket {
	var out []Bucket
	nowNano := now.UnixNano()
	s.cells.Range(func(k, v interface{}) bool {
		key := k.(bucketKey)
		c := v.(*cell)
		prompt, completion, requests := c.drain()
		if requests > 0 {
			out = append(out, Bucket{
				KeyIndex:         key.KeyIndex,
				Model:            key.Model,
				MinuteStart:      time.Unix(key.MinuteUnix, 0).UTC(),
				PromptTokens:     prompt,
				CompletionTokens: completion,
				Requests:         requests,
			})
		}
		if idleTimeout > 0 && c.idleNanos(nowNano) > int64(idleTimeout) {
			s.cells.Delete(key)
		}
		return true
	})
	return out
}
