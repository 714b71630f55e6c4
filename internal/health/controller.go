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

// Package health runs the background key-rehabilitation loop and serves
// the on-demand health snapshot. It owns no request-path latency: probes
// only ever run on the controller's own ticker, and the dashboard-facing
// snapshot calls never block on a synchronous probe.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloudproxy/internal/keytable"
	"cloudproxy/internal/logging"
	"cloudproxy/internal/metrics"
	"cloudproxy/internal/penalty"
	"cloudproxy/internal/upstream"
)

// DefaultPeriod is the 60-second tick interval from spec §4.6.
const DefaultPeriod = 60 * time.Second

// DefaultProbePath is the cheap upstream endpoint probed to verify a
// penalized key has recovered.
const DefaultProbePath = "/"

// Controller periodically probes every key whose penalty has expired and
// clears or re-extends its penalty based on the probe's outcome.
type Controller struct {
	table     *keytable.Table
	client    *upstream.Client
	probePath string
	period    time.Duration

	upstreamOK atomic.Bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Uint32
}

// New wires a Controller against table and client. period and probePath
// fall back to DefaultPeriod/DefaultProbePath when zero/empty.
func New(table *keytable.Table, client *upstream.Client, probePath string, period time.Duration) *Controller {
	if period <= 0 {
		period = DefaultPeriod
	}
	if probePath == "" {
		probePath = DefaultProbePath
	}
	c := &Controller{
		table:     table,
		client:    client,
		probePath: probePath,
		period:    period,
		stopChan:  make(chan struct{}),
	}
	c.upstreamOK.Store(true) // optimistic until the first probe says otherwise
	return c
}

// Start launches the background tick loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
}

// Stop halts the tick loop. New ticks stop firing immediately; any probe
// already in flight is allowed to finish since it runs on its own
// goroutine-local context, matching spec §5's "Health Controller stops
// accepting new ticks immediately" shutdown contract.
func (c *Controller) Stop() {
	if !c.stopped.CompareAndSwap(0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopChan:
			return
		}
	}
}

// tick probes every key whose penalty has expired (including keys that
// were never penalized, which are always "expired") and updates the key
// table from the outcome.
func (c *Controller) tick() {
	now := time.Now()
	for _, rec := range c.table.Snapshot(now) {
		if rec.PenaltyUntil != nil && rec.PenaltyUntil.After(now) {
			continue // still cooling down; nothing to probe yet
		}
		c.probeOne(rec.Index, rec.BackoffLevel)
	}
}

func (c *Controller) probeOne(index, currentBackoffLevel int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret := c.table.Secret(index)
	res, err := c.client.Probe(ctx, secret, c.probePath)
	now := time.Now()

	if err != nil {
		c.upstreamOK.Store(false)
		decision := penalty.Evaluate(penalty.LocalError, currentBackoffLevel, now)
		status := 0
		c.table.ApplyPenalty(index, now, decision.Until, decision.NewBackoffLevel, &status)
		metrics.ObservePenalty("local_error")
		logging.Warn("health: probe failed locally", logging.Fields{"key_index": index, "error": err.Error()})
		c.publish(index, now)
		return
	}

	outcome := penalty.ClassifyStatus(res.Status)
	c.upstreamOK.Store(outcome == penalty.Success)

	switch outcome {
	case penalty.Success:
		c.table.MarkAvailable(index, now)
		logging.Debug("health: probe recovered key", logging.Fields{"key_index": index})
	case penalty.RateLimited:
		decision := penalty.Evaluate(penalty.RateLimited, currentBackoffLevel, now)
		status := res.Status
		c.table.ApplyPenalty(index, now, decision.Until, decision.NewBackoffLevel, &status)
		metrics.ObservePenalty("rate_limited")
		logging.Debug("health: probe still rate limited", logging.Fields{"key_index": index})
	default:
		decision := penalty.Evaluate(penalty.UpstreamTransient, currentBackoffLevel, now)
		status := res.Status
		c.table.ApplyPenalty(index, now, decision.Until, decision.NewBackoffLevel, &status)
		metrics.ObservePenalty("upstream_transient")
		logging.Debug("health: probe failed", logging.Fields{"key_index": index, "status": res.Status})
	}
	c.publish(index, now)
}

func (c *Controller) publish(index int, now time.Time) {
	rec := c.table.Get(index, now)
	metrics.SetKeyState(index, rec.Available, rec.BackoffLevel)
}

// UpstreamOK reports the outcome of the most recently completed probe,
// across all keys. It starts true (optimistic) before any probe runs.
func (c *Controller) UpstreamOK() bool {
	return c.upstreamOK.Load()
}

// Snapshot returns the current key table state for the dashboard and
// /health/keys. No probe is run synchronously.
func (c *Controller) Snapshot(now time.Time) []keytable.Record {
	return c.table.Snapshot(now)
}

// Reset is the operator-triggered reset: clear a key's penalty state
// without waiting for (or forcing) a probe.
func (c *Controller) Reset(index int, now time.Time) keytable.Record {
	return c.table.Reset(index, now)
}
