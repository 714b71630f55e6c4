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

package keytable

import (
	"errors"
	"sort"
	"time"
)

// ErrNoKeyAvailable is returned by Select when every eligible key has
// already been tried for this request, or none are currently healthy.
var ErrNoKeyAvailable = errors.New("keytable: no key available")

// UsageHint reports recent per-key usage (e.g. tokens consumed over the
// last two wall-clock hours). It may be nil or incomplete on a cold
// path — callers treat a missing entry as zero usage, which simply makes
// an under-observed key the preferred pick, matching a cold cache's
// natural bias towards spreading load to under-used keys.
type UsageHint map[int]int64

// Selector picks one key per call, deterministically: rank eligible keys
// by ascending recent usage, breaking ties by smallest index, and return
// the top of that ranking. It never returns an index in the exclude set
// and never returns a penalized key.
type Selector struct {
	table *Table
}

// NewSelector binds a Selector to a Table.
func NewSelector(table *Table) *Selector {
	return &Selector{table: table}
}

// Select returns the best eligible key index, or ErrNoKeyAvailable if the
// exclude set (plus current penalties) covers every configured key.
func (s *Selector) Select(exclude map[int]bool, hint UsageHint, now time.Time) (int, error) {
	eligible := s.table.EligibleIndices(exclude, now)
	if len(eligible) == 0 {
		return 0, ErrNoKeyAvailable
	}

	sort.Slice(eligible, func(i, j int) bool {
		ui, uj := usageOf(hint, eligible[i]), usageOf(hint, eligible[j])
		if ui != uj {
			return ui < uj
		}
		return eligible[i] < eligible[j]
	})
	return eligible[0], nil
}

func usageOf(hint UsageHint, index int) int64 {
	if hint == nil {
		return 0
	}
	return hint[index]
}
