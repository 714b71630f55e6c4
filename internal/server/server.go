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

// Package server implements the public-facing HTTP surface: the proxied
// catch-all, the health/admin endpoints, and the usage-stats endpoints.
// It wires the dispatch engine and the other collaborators behind one
// http.ServeMux, building routes in the caller rather than owning
// ListenAndServe itself.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"cloudproxy/internal/health"
	"cloudproxy/internal/logbuffer"
	"cloudproxy/internal/usage"
)

// statsWindows is the set of accepted /stats/minute?window= values.
var statsWindows = map[string]time.Duration{
	"10m": 10 * time.Minute,
	"60m": 60 * time.Minute,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
}

// Server holds every collaborator the HTTP surface needs to serve a
// request without touching global state.
type Server struct {
	Proxy   http.Handler // the dispatch engine; handles the catch-all route itself
	Health  *health.Controller
	Usage   usage.Store
	Logs    *logbuffer.Buffer
	Version string

	AuthToken            string
	AllowUnauthenticated bool
}

// NewMux builds the fully wired ServeMux. Route table matches spec §6.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/keys", s.requireAuth(s.handleHealthKeys))
	mux.HandleFunc("POST /health/keys/{index}/reset", s.requireAuth(s.handleHealthKeyReset))
	mux.HandleFunc("GET /stats", s.requireAuth(s.handleStatsHourly))
	mux.HandleFunc("GET /stats/minute", s.requireAuth(s.handleStatsMinute))
	mux.HandleFunc("GET /stats/24h", s.requireAuth(s.handleStats24h))
	mux.HandleFunc("GET /logs", s.requireAuth(s.handleLogs))

	mux.Handle("/", s.Proxy)
	return mux
}

func (s *Server) authorized(r *http.Request) bool {
	if s.AllowUnauthenticated {
		return true
	}
	got := r.Header.Get("Authorization")
	return got != "" && got == "Bearer "+s.AuthToken
}

// requireAuth wraps an administrative handler with the same bearer-token
// rule the proxied path applies, per spec §6.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// handleDashboard serves a minimal static placeholder; the real dashboard
// HTML/JS is an external collaborator per spec §1.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!doctype html><title>cloudproxy</title><p>dashboard is served by an external collaborator.</p>"))
}

type healthResponse struct {
	ProxyOK    bool   `json:"proxy_ok"`
	UpstreamOK bool   `json:"upstream_ok"`
	Version    string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		ProxyOK:    true,
		UpstreamOK: s.Health.UpstreamOK(),
		Version:    s.Version,
	})
}

type keyView struct {
	Index           int        `json:"index"`
	Available       bool       `json:"available"`
	PenaltyUntil    *time.Time `json:"penalty_until"`
	BackoffLevel    int        `json:"backoff_level"`
	LastErrorStatus *int       `json:"last_error_status"`
	LastErrorAt     *time.Time `json:"last_error_at"`
}

func (s *Server) handleHealthKeys(w http.ResponseWriter, r *http.Request) {
	records := s.Health.Snapshot(time.Now())
	out := make([]keyView, len(records))
	for i, rec := range records {
		out[i] = keyView{
			Index:           rec.Index,
			Available:       rec.Available,
			PenaltyUntil:    rec.PenaltyUntil,
			BackoffLevel:    rec.BackoffLevel,
			LastErrorStatus: rec.LastErrorStatus,
			LastErrorAt:     rec.LastErrorAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthKeyReset(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid key index", http.StatusBadRequest)
		return
	}
	rec := s.Health.Reset(index, time.Now())
	writeJSON(w, http.StatusOK, keyView{
		Index:           rec.Index,
		Available:       rec.Available,
		PenaltyUntil:    rec.PenaltyUntil,
		BackoffLevel:    rec.BackoffLevel,
		LastErrorStatus: rec.LastErrorStatus,
		LastErrorAt:     rec.LastErrorAt,
	})
}

func (s *Server) handleStatsHourly(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Usage.Hourly()
	if err != nil {
		http.Error(w, "failed reading usage stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatsMinute(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("window")
	window, ok := statsWindows[raw]
	if !ok {
		http.Error(w, "window must be one of 10m,60m,2h,4h,6h,12h,24h", http.StatusBadRequest)
		return
	}
	stats, err := s.Usage.Minute(window)
	if err != nil {
		http.Error(w, "failed reading usage stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats24h(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Usage.Last24h()
	if err != nil {
		http.Error(w, "failed reading usage stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range s.Logs.Snapshot() {
		_, _ = w.Write([]byte(line))
		_, _ = w.Write([]byte("\n"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
