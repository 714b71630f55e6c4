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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestIncrementsByStatusLabel(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("200"))
	ObserveRequest(200)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("200"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestObservePenaltyLabelsByReason(t *testing.T) {
	before := testutil.ToFloat64(keyPenaltiesTotal.WithLabelValues("rate_limited"))
	ObservePenalty("rate_limited")
	after := testutil.ToFloat64(keyPenaltiesTotal.WithLabelValues("rate_limited"))
	if after != before+1 {
		t.Fatalf("expected rate_limited counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestSetKeyStatePublishesAvailabilityAndBackoff(t *testing.T) {
	SetKeyState(7, true, 3)
	if got := testutil.ToFloat64(keyAvailable.WithLabelValues("7")); got != 1 {
		t.Fatalf("expected available gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(keyBackoffLevel.WithLabelValues("7")); got != 3 {
		t.Fatalf("expected backoff gauge 3, got %v", got)
	}

	SetKeyState(7, false, 0)
	if got := testutil.ToFloat64(keyAvailable.WithLabelValues("7")); got != 0 {
		t.Fatalf("expected available gauge 0 after penalty, got %v", got)
	}
}
