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

// Package hintcache serves the Selector's recent-usage hint: an
// approximate, best-effort view of how many tokens each key has pushed
// through recently, so the Selector can spread load towards
// under-used keys instead of hammering whichever one sorts first.
package hintcache

import "context"

// Cache is the recent-usage hint source the dispatch engine polls before
// every Selector.Select call. Record is called once per completed
// request; it is always best-effort — a failed Record never fails the
// request it accounts for.
type Cache interface {
	Record(ctx context.Context, keyIndex int, tokens int64) error
	Recent(ctx context.Context) (map[int]int64, error)
}
