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

// Package metrics registers the proxy's Prometheus series and exposes
// them at /metrics via promhttp.Handler(), the same one-liner the
// teacher's cmd/tfd-proxy wires up.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total client-facing requests handled, by final outcome status.",
	}, []string{"status"})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_retries_total",
		Help: "Total upstream retries performed across all requests.",
	})

	keyPenaltiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_key_penalties_total",
		Help: "Total penalties applied to keys, by reason.",
	}, []string{"reason"})

	keyAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_key_available",
		Help: "1 if the key at this index is currently eligible for selection, else 0.",
	}, []string{"index"})

	keyBackoffLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_key_backoff_level",
		Help: "Current backoff ladder level for the key at this index.",
	}, []string{"index"})
)

func init() {
	prometheus.MustRegister(requestsTotal, retriesTotal, keyPenaltiesTotal, keyAvailable, keyBackoffLevel)
}

// ObserveRequest records one completed client-facing request by its
// final HTTP status code.
func ObserveRequest(status int) {
	requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveRetry records one upstream retry (a request that moved on to a
// second or later key).
func ObserveRetry() {
	retriesTotal.Inc()
}

// ObservePenalty records one penalty application, labeled by its cause
// ("rate_limited", "upstream_transient", "local_error").
func ObservePenalty(reason string) {
	keyPenaltiesTotal.WithLabelValues(reason).Inc()
}

// SetKeyState publishes the current availability and backoff level for
// one key index. The health controller calls this after each probe it
// runs; penalties applied by the dispatch path and operator resets are not
// published here until that key's next probe.
func SetKeyState(index int, available bool, backoffLevel int) {
	idx := strconv.Itoa(index)
	if available {
		keyAvailable.WithLabelValues(idx).Set(1)
	} else {
		keyAvailable.WithLabelValues(idx).Set(0)
	}
	keyBackoffLevel.WithLabelValues(idx).Set(float64(backoffLevel))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
