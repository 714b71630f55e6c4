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
	"sync"
)

// MemoryCache is a process-local Cache with no cross-instance
// visibility. It backs the "memory" adapter: the Selector already treats
// a missing hint as zero usage, so running without Redis only costs even
// load distribution across replicas, not correctness. Its totals are
// cumulative since process start; unlike RedisHintCache it keeps no
// hourly buckets, so Recent does not limit them to the last two hours.
type MemoryCache struct {
	mu     sync.Mutex
	totals map[int]int64
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{totals: make(map[int]int64)}
}

func (m *MemoryCache) Record(_ context.Context, keyIndex int, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[keyIndex] += tokens
	return nil
}

func (m *MemoryCache) Recent(_ context.Context) (map[int]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int64, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out, nil
}
