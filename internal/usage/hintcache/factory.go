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
	"fmt"
	"time"
)

// Build constructs a Cache by adapter name.
//
// Supported adapters:
//   - "memory" (default): process-local, no external dependency
//   - "redis": backed by a real Redis client when redisAddr is set,
//     otherwise falls back to a logging client so the adapter can still
//     be selected without infrastructure
func Build(adapter, redisAddr string, window time.Duration) (Cache, error) {
	switch adapter {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		var client RedisClient
		if redisAddr != "" {
			client = NewGoRedisClient(redisAddr)
		} else {
			client = LoggingRedisClient{}
		}
		return NewRedisHintCache(client, window), nil
	default:
		return nil, fmt.Errorf("hintcache: unknown adapter %q", adapter)
	}
}
