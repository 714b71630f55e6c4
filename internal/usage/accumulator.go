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

import "sync/atomic"

// cell accumulates uncommitted usage for one (key, model, minute) bucket
// between flushes. add is the hot, lock-free path; drain atomically hands
// the accumulated totals to the flush worker and resets them to zero.
// There is no "available" quantity to protect here, only a running total
// to coalesce before a SQL write, so a single atomic swap per metric is
// enough.
type cell struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	requests         atomic.Int64
	lastAccessed     atomic.Int64 // unix nano
}

func (c *cell) add(prompt, completion, nowUnixNano int64) {
	c.promptTokens.Add(prompt)
	c.completionTokens.Add(completion)
	c.requests.Add(1)
	c.lastAccessed.Store(nowUnixNano)
}

// drain returns the accumulated totals and resets them to zero. A request
// landing between the reads and the reset can be missed by this flush
// cycle and picked up by the next one instead — acceptable for
// best-effort usage accounting, never acceptable for the penalty state
// machine in internal/keytable.
func (c *cell) drain() (prompt, completion, requests int64) {
	prompt = c.promptTokens.Swap(0)
	completion = c.completionTokens.Swap(0)
	requests = c.requests.Swap(0)
	return
}

func (c *cell) idleNanos(nowUnixNano int64) int64 {
	return nowUnixNano - c.lastAccessed.Load()
}
