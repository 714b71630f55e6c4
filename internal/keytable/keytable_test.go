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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEligibleIndicesExcludesPenalizedAndExcludeSet(t *testing.T) {
	tbl := New([]string{"a", "b", "c"})
	now := time.Now()
	status := 429
	tbl.ApplyPenalty(1, now, now.Add(15*time.Minute), 1, &status)

	got := tbl.EligibleIndices(map[int]bool{2: true}, now)
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only index 0 eligible, got %v", got)
	}
}

func TestInvariantAvailableMatchesPenaltyUntil(t *testing.T) {
	tbl := New([]string{"a"})
	now := time.Now()
	status := 429
	tbl.ApplyPenalty(0, now, now.Add(time.Minute), 1, &status)

	rec := tbl.Get(0, now)
	if rec.Available {
		t.Fatalf("expected key unavailable while penalty is in the future")
	}

	later := now.Add(2 * time.Minute)
	rec = tbl.Get(0, later)
	if !rec.Available {
		t.Fatalf("expected key available once penalty has expired")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	tbl := New([]string{"a"})
	now := time.Now()
	status := 429
	tbl.ApplyPenalty(0, now, now.Add(time.Hour), 3, &status)

	tbl.Reset(0, now)
	first := tbl.Get(0, now)
	tbl.Reset(0, now)
	second := tbl.Get(0, now)

	if first != second {
		t.Fatalf("reset is not idempotent: %+v vs %+v", first, second)
	}
	if !second.Available || second.BackoffLevel != 0 || second.PenaltyUntil != nil {
		t.Fatalf("reset left stale state: %+v", second)
	}
}

func TestApplyPenaltyFirstWriterWinsBackoffIncrement(t *testing.T) {
	tbl := New([]string{"a"})
	now := time.Now()
	status := 429

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tbl.ApplyPenalty(0, now, now.Add(15*time.Minute), 1, &status)
	}()
	go func() {
		defer wg.Done()
		tbl.ApplyPenalty(0, now, now.Add(15*time.Minute), 1, &status)
	}()
	wg.Wait()

	rec := tbl.Get(0, now)
	if rec.BackoffLevel != 1 {
		t.Fatalf("expected backoff level to advance exactly once, got %d", rec.BackoffLevel)
	}

	// A strictly later deadline (e.g. escalated by the health controller's
	// own ladder step) must still win.
	tbl.ApplyPenalty(0, now, now.Add(1*time.Hour), 2, &status)
	rec = tbl.Get(0, now)
	if rec.BackoffLevel != 2 {
		t.Fatalf("expected later deadline to advance backoff level, got %d", rec.BackoffLevel)
	}

	// A non-later deadline must not regress backoff level.
	tbl.ApplyPenalty(0, now, now.Add(5*time.Minute), 5, &status)
	rec = tbl.Get(0, now)
	if rec.BackoffLevel != 2 {
		t.Fatalf("expected stale penalty write to be a no-op, got backoff level %d", rec.BackoffLevel)
	}
}

func TestSecretNeverAppearsInRecord(t *testing.T) {
	tbl := New([]string{"super-secret-value"})
	rec := tbl.Get(0, time.Now())
	if strings.Contains(fmt.Sprintf("%+v", rec), "super-secret-value") {
		t.Fatalf("expected the secret to never appear in a Record, got %+v", rec)
	}
	if tbl.Secret(0) != "super-secret-value" {
		t.Fatalf("expected Secret accessor to return the configured value")
	}
}
