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

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite schema:
//
// CREATE TABLE IF NOT EXISTS minute_usage (
//   key_index         INTEGER NOT NULL,
//   model             TEXT NOT NULL,
//   minute_start      INTEGER NOT NULL,
//   prompt_tokens     INTEGER NOT NULL DEFAULT 0,
//   completion_tokens INTEGER NOT NULL DEFAULT 0,
//   requests          INTEGER NOT NULL DEFAULT 0,
//   PRIMARY KEY (key_index, model, minute_start)
// );
// CREATE INDEX IF NOT EXISTS idx_minute_usage_minute_start ON minute_usage(minute_start);
//
// Every commit is a plain upsert: buckets are drained exactly once by the
// flush worker, so there is no retried-commit idempotency hazard to guard
// against.

// SQLiteStore is the durable side of usage accounting, backed by a
// single minute-granularity table. /stats, /stats/minute and /stats/24h
// are all rollups of this one table, computed with SQL GROUP BY rather
// than maintained as separate accumulations.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the usage database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("usage: opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid "database is locked" churn
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS minute_usage (
			key_index         INTEGER NOT NULL,
			model             TEXT NOT NULL,
			minute_start      INTEGER NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			requests          INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (key_index, model, minute_start)
		);
		CREATE INDEX IF NOT EXISTS idx_minute_usage_minute_start ON minute_usage(minute_start);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: migrating sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CommitBuckets upserts every drained bucket, summing into any existing row
// for the same (key, model, minute).
func (s *SQLiteStore) CommitBuckets(buckets []Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("usage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO minute_usage (key_index, model, minute_start, prompt_tokens, completion_tokens, requests)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_index, model, minute_start) DO UPDATE SET
			prompt_tokens     = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			requests          = requests + excluded.requests
	`)
	if err != nil {
		return fmt.Errorf("usage: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range buckets {
		if _, err := stmt.Exec(b.KeyIndex, b.Model, b.MinuteStart.Unix(), b.PromptTokens, b.CompletionTokens, b.Requests); err != nil {
			return fmt.Errorf("usage: upsert bucket: %w", err)
		}
	}
	return tx.Commit()
}

// Hourly rolls the last 48 hours of minute buckets up to hourly
// granularity, grouped by key and model. This backs GET /stats.
func (s *SQLiteStore) Hourly() ([]HourlyStat, error) {
	since := time.Now().Add(-48 * time.Hour).Unix()
	rows, err := s.db.Query(`
		SELECT (minute_start / 3600) * 3600 AS hour_start, key_index, model,
		       SUM(requests), SUM(prompt_tokens), SUM(completion_tokens)
		FROM minute_usage
		WHERE minute_start >= ?
		GROUP BY hour_start, key_index, model
		ORDER BY hour_start DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query hourly: %w", err)
	}
	defer rows.Close()

	var out []HourlyStat
	for rows.Next() {
		var hourUnix int64
		var h HourlyStat
		if err := rows.Scan(&hourUnix, &h.KeyIndex, &h.Model, &h.Requests, &h.PromptTokens, &h.CompletionTokens); err != nil {
			return nil, fmt.Errorf("usage: scan hourly: %w", err)
		}
		h.HourStart = time.Unix(hourUnix, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// Minute returns per-minute totals for the trailing window. This backs
// GET /stats/minute?window=.
func (s *SQLiteStore) Minute(window time.Duration) ([]MinuteStat, error) {
	since := time.Now().Add(-window).Unix()
	rows, err := s.db.Query(`
		SELECT minute_start, SUM(requests), SUM(prompt_tokens), SUM(completion_tokens)
		FROM minute_usage
		WHERE minute_start >= ?
		GROUP BY minute_start
		ORDER BY minute_start DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query minute: %w", err)
	}
	defer rows.Close()

	var out []MinuteStat
	for rows.Next() {
		var minuteUnix int64
		var m MinuteStat
		if err := rows.Scan(&minuteUnix, &m.Requests, &m.PromptTokens, &m.CompletionTokens); err != nil {
			return nil, fmt.Errorf("usage: scan minute: %w", err)
		}
		m.MinuteStart = time.Unix(minuteUnix, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Last24h returns the trailing-24-hour totals across all keys and
// models. This backs GET /stats/24h.
func (s *SQLiteStore) Last24h() (Summary, error) {
	since := time.Now().Add(-24 * time.Hour)
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM minute_usage
		WHERE minute_start >= ?
	`, since.Unix())
	var sum Summary
	sum.Since = since
	if err := row.Scan(&sum.Requests, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return Summary{}, fmt.Errorf("usage: query last24h: %w", err)
	}
	return sum, nil
}

// RecentUsageByKey sums total tokens per key index since the given time,
// feeding the Selector's usage hint when the hint cache
// (internal/usage/hintcache) is unset, fails, or has nothing recorded.
func (s *SQLiteStore) RecentUsageByKey(since time.Time) (map[int]int64, error) {
	rows, err := s.db.Query(`
		SELECT key_index, SUM(prompt_tokens + completion_tokens)
		FROM minute_usage
		WHERE minute_start >= ?
		GROUP BY key_index
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("usage: query recent usage: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var idx int
		var total int64
		if err := rows.Scan(&idx, &total); err != nil {
			return nil, fmt.Errorf("usage: scan recent usage: %w", err)
		}
		out[idx] = total
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
