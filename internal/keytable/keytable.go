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

// Package keytable holds the authoritative in-memory state for every
// configured upstream API key. Each record is guarded by its own mutex so
// that dispatch tasks for different keys never contend with each other;
// table-wide scans (Snapshot, EligibleIndices) take a brief per-record lock
// only long enough to copy out the fields they need.
package keytable

import (
	"sync"
	"time"
)

// Record is a point-in-time, immutable copy of a key's status fields. Safe
// to pass around and read without locking. Available is always derived
// from PenaltyUntil at the instant the record was read, never stored
// independently, so it holds by construction instead of by discipline.
type Record struct {
	Index           int
	Available       bool
	PenaltyUntil    *time.Time
	BackoffLevel    int
	LastErrorStatus *int
	LastErrorAt     *time.Time
	NextProbeAt     *time.Time
}

// cell is the mutable, lock-protected state for one key. The secret is
// stored here, never in Record, so a Snapshot can never leak it.
type cell struct {
	mu sync.Mutex

	index           int
	secret          string
	penaltyUntil    *time.Time
	backoffLevel    int
	lastErrorStatus *int
	lastErrorAt     *time.Time
	nextProbeAt     *time.Time
}

func available(penaltyUntil *time.Time, now time.Time) bool {
	return penaltyUntil == nil || !penaltyUntil.After(now)
}

func (c *cell) snapshot(now time.Time) Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		Index:           c.index,
		Available:       available(c.penaltyUntil, now),
		PenaltyUntil:    c.penaltyUntil,
		BackoffLevel:    c.backoffLevel,
		LastErrorStatus: c.lastErrorStatus,
		LastErrorAt:     c.lastErrorAt,
		NextProbeAt:     c.nextProbeAt,
	}
}

// Mutation is applied to a cell's mutable fields under its lock. It must
// not block or call back into the Table. Available is ignored on write —
// set PenaltyUntil instead.
type Mutation func(*Record)

// Table is the fixed-size, index-addressed collection of key records.
// Identity is the stable integer index assigned at load time; the slice
// itself is never resized after New.
type Table struct {
	cells []*cell
}

// New builds a Table from the ordered list of secrets loaded from
// configuration. All keys start healthy.
func New(secrets []string) *Table {
	cells := make([]*cell, len(secrets))
	for i, s := range secrets {
		cells[i] = &cell{index: i, secret: s}
	}
	return &Table{cells: cells}
}

// Len returns the number of configured keys.
func (t *Table) Len() int { return len(t.cells) }

// Secret returns the immutable secret value for index. Never logged.
func (t *Table) Secret(index int) string {
	return t.cells[index].secret
}

// Snapshot returns a consistent read of every record as of now. Each
// record's Available/PenaltyUntil pair is read as one atomic unit under
// that cell's lock, but the table as a whole is not locked across cells.
func (t *Table) Snapshot(now time.Time) []Record {
	out := make([]Record, len(t.cells))
	for i, c := range t.cells {
		out[i] = c.snapshot(now)
	}
	return out
}

// Get returns a single record's current snapshot.
func (t *Table) Get(index int, now time.Time) Record {
	return t.cells[index].snapshot(now)
}

// Update atomically applies mutation to index's record. The mutation
// receives a Record pre-populated with the current field values (as of
// now) and mutates it in place; PenaltyUntil is written back under the
// same critical section that produced it, so a mutation that clears a
// penalty can never be observed torn.
func (t *Table) Update(index int, now time.Time, mutation Mutation) Record {
	c := t.cells[index]
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := Record{
		Index:           c.index,
		Available:       available(c.penaltyUntil, now),
		PenaltyUntil:    c.penaltyUntil,
		BackoffLevel:    c.backoffLevel,
		LastErrorStatus: c.lastErrorStatus,
		LastErrorAt:     c.lastErrorAt,
		NextProbeAt:     c.nextProbeAt,
	}
	mutation(&rec)

	c.penaltyUntil = rec.PenaltyUntil
	c.backoffLevel = rec.BackoffLevel
	c.lastErrorStatus = rec.LastErrorStatus
	c.lastErrorAt = rec.LastErrorAt
	c.nextProbeAt = rec.NextProbeAt
	rec.Available = available(c.penaltyUntil, now)
	return rec
}

// Reset clears a key's penalty, backoff level, and last-error fields —
// the operator "reset" action. Applying it twice is equivalent to once.
func (t *Table) Reset(index int, now time.Time) Record {
	return t.Update(index, now, func(r *Record) {
		r.PenaltyUntil = nil
		r.BackoffLevel = 0
		r.LastErrorStatus = nil
		r.LastErrorAt = nil
		r.NextProbeAt = nil
	})
}

// EligibleIndices returns indices where Available is true as of now and
// that are not present in exclude, ordered ascending.
func (t *Table) EligibleIndices(exclude map[int]bool, now time.Time) []int {
	var out []int
	for i, c := range t.cells {
		if exclude != nil && exclude[i] {
			continue
		}
		if available(c.snapshot(now).PenaltyUntil, now) {
			out = append(out, i)
		}
	}
	return out
}

// ApplyPenalty sets penaltyUntil=until and backoffLevel=newBackoffLevel in
// one critical section, enforcing "first writer wins the backoff
// increment": the update only takes effect if until is strictly later
// than whatever is currently recorded (or nothing is currently recorded).
// A second concurrent 429 against the same key whose computed deadline is
// not later than the one already in place is a no-op on PenaltyUntil/
// BackoffLevel, but last_error_status/at still update — matching "last
// writer wins on status fields" from the design notes.
func (t *Table) ApplyPenalty(index int, now, until time.Time, newBackoffLevel int, status *int) Record {
	c := t.cells[index]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.penaltyUntil == nil || until.After(*c.penaltyUntil) {
		u := until
		c.penaltyUntil = &u
		c.backoffLevel = newBackoffLevel
	}
	c.lastErrorStatus = status
	n := now
	c.lastErrorAt = &n

	return Record{
		Index:           c.index,
		Available:       available(c.penaltyUntil, now),
		PenaltyUntil:    c.penaltyUntil,
		BackoffLevel:    c.backoffLevel,
		LastErrorStatus: c.lastErrorStatus,
		LastErrorAt:     c.lastErrorAt,
		NextProbeAt:     c.nextProbeAt,
	}
}

// MarkAvailable clears any penalty and resets the backoff level to zero —
// used by the health controller after a successful probe.
func (t *Table) MarkAvailable(index int, now time.Time) Record {
	return t.Update(index, now, func(r *Record) {
		r.PenaltyUntil = nil
		r.BackoffLevel = 0
		r.LastErrorStatus = nil
		r.LastErrorAt = nil
		r.NextProbeAt = nil
	})
}

// SetNextProbeAt records when the health controller should next consider
// probing this key.
func (t *Table) SetNextProbeAt(index int, now, at time.Time) {
	t.Update(index, now, func(r *Record) {
		r.NextProbeAt = &at
	})
}
