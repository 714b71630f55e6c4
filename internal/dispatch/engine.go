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

// Package dispatch is the top-level per-request loop: authenticate the
// client, select a key, call upstream, classify the outcome, and either
// stream success back to the client or rotate to another key. It is the
// one place that ties the key table, the penalty policy, the usage
// recorder, and the upstream client together.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"cloudproxy/internal/archive"
	"cloudproxy/internal/keytable"
	"cloudproxy/internal/logging"
	"cloudproxy/internal/metrics"
	"cloudproxy/internal/penalty"
	"cloudproxy/internal/proxyerr"
	"cloudproxy/internal/upstream"
	"cloudproxy/internal/usage"
	"cloudproxy/internal/usage/hintcache"
)

// tailCaptureBytes bounds how much of a streamed response body is kept
// around to parse the trailing prompt_eval_count/eval_count object. Large
// enough to hold one JSON object even if the upstream pads it across a
// few SSE frames, small enough to never matter next to the response
// itself.
const tailCaptureBytes = 64 << 10

// Engine wires one request's worth of dispatch state against the shared
// collaborators. A single Engine value is safe for concurrent use across
// many in-flight requests; all request-local state (body buffer, excluded
// set, last upstream response) lives on the stack of ServeHTTP and dispatch.
type Engine struct {
	Table    *keytable.Table
	Selector *keytable.Selector
	Client   *upstream.Client
	Recorder *usage.Recorder
	Usage    usage.Store // optional: backs the usage hint when Hints is unavailable or cold
	Hints    hintcache.Cache
	Archiver *archive.Writer // nil disables request-body archiving

	AuthToken            string
	AllowUnauthenticated bool
	MaxBodyBytes         int64
}

// ServeHTTP implements http.Handler. It is the entry point the server's
// catch-all route mounts.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.authorized(r) {
		http.Error(w, proxyerr.ErrUnauthorized.Error(), http.StatusUnauthorized)
		metrics.ObserveRequest(http.StatusUnauthorized)
		return
	}

	body, err := e.readBody(r)
	if err != nil {
		if errors.Is(err, proxyerr.ErrBodyTooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			metrics.ObserveRequest(http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed reading request body", http.StatusInternalServerError)
		metrics.ObserveRequest(http.StatusInternalServerError)
		return
	}

	req := upstream.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   body,
	}

	e.dispatch(r.Context(), w, req, extractModel(body), clientIP(r))
}

func (e *Engine) authorized(r *http.Request) bool {
	if e.AllowUnauthenticated {
		return true
	}
	got := r.Header.Get("Authorization")
	return got != "" && got == "Bearer "+e.AuthToken
}

func (e *Engine) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, e.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > e.MaxBodyBytes {
		return nil, proxyerr.ErrBodyTooLarge
	}
	return body, nil
}

// dispatch runs the attempt loop described in spec §4.4: select, call,
// classify, and either terminate or rotate to another key.
func (e *Engine) dispatch(ctx context.Context, w http.ResponseWriter, req upstream.Request, model, ip string) {
	excluded := make(map[int]bool)

	var lastStatus int
	var lastHeader http.Header
	var lastBody []byte

	for {
		now := time.Now()

		hint, herr := e.recentHint(ctx)
		if herr != nil {
			logging.Debug("dispatch: usage hint unavailable", logging.Fields{"error": herr.Error()})
		}

		levels := e.Table.Snapshot(now)
		idx, err := e.Selector.Select(excluded, hint, now)
		if err != nil {
			e.exhausted(w, lastStatus, lastHeader, lastBody)
			return
		}
		observedLevel := levels[idx].BackoffLevel

		if len(excluded) > 0 {
			metrics.ObserveRetry()
		}

		secret := e.Table.Secret(idx)
		logging.Debug("dispatch: attempt", logging.Fields{"key_index": idx, "key": logging.MaskKey(secret)})
		res, callErr := e.Client.Call(ctx, secret, req)
		if callErr != nil {
			if ctx.Err() != nil {
				disconnectErr := fmt.Errorf("%w: %v", proxyerr.ErrClientDisconnected, ctx.Err())
				logging.Debug("dispatch: client disconnected mid-attempt", logging.Fields{"key_index": idx, "key": logging.MaskKey(secret), "error": disconnectErr.Error()})
				return // Cancelled: no penalty, no usage event, no response write
			}
			e.penalize(idx, penalty.LocalError, observedLevel, 0, now)
			localErr := fmt.Errorf("%w: %v", proxyerr.ErrUpstreamLocal, callErr)
			logging.Warn("dispatch: local error calling upstream", logging.Fields{"key_index": idx, "key": logging.MaskKey(secret), "error": localErr.Error()})
			excluded[idx] = true
			continue
		}

		outcome := penalty.ClassifyStatus(res.Status)

		switch outcome {
		case penalty.Success:
			e.streamSuccess(ctx, w, res, idx, model, ip, req.Path, req.Body)
			return

		case penalty.UpstreamClientError:
			res.Close()
			e.forward(w, res.Status, res.Header, res.BodyBytes)
			return

		case penalty.RateLimited, penalty.UpstreamTransient:
			reason := "rate_limited"
			if outcome == penalty.UpstreamTransient {
				reason = "upstream_transient"
			}
			lastStatus, lastHeader, lastBody = res.Status, res.Header, res.BodyBytes
			res.Close()
			e.penalize(idx, outcome, observedLevel, res.Status, now)
			metrics.ObservePenalty(reason)
			excluded[idx] = true
			continue

		default:
			// Cancelled cannot originate here: ClassifyStatus never returns it.
			res.Close()
			excluded[idx] = true
			continue
		}
	}
}

// recentHint returns the Selector's usage hint, preferring the hint
// cache's push-based counters and falling back to a SQL scan over the
// last two wall-clock hours (per spec §4.2) when the cache is
// unavailable or has nothing recorded yet.
func (e *Engine) recentHint(ctx context.Context) (keytable.UsageHint, error) {
	if e.Hints != nil {
		recent, err := e.Hints.Recent(ctx)
		if err != nil {
			logging.Debug("dispatch: usage hint cache unavailable, falling back to storage", logging.Fields{"error": err.Error()})
		} else if len(recent) > 0 {
			return keytable.UsageHint(recent), nil
		}
	}

	if e.Usage == nil {
		return nil, nil
	}
	recent, err := e.Usage.RecentUsageByKey(time.Now().Add(-2 * time.Hour))
	if err != nil {
		return nil, err
	}
	return keytable.UsageHint(recent), nil
}

// penalize applies the penalty decision for a rotation-worthy outcome.
// Only ever called with LocalError, RateLimited, or UpstreamTransient,
// all of which penalty.Evaluate always penalizes. The decision is computed
// from observedLevel, the backoff level read just before the key was
// selected, so concurrent 429s on one key all write the same next level
// and it advances only once. status is the upstream status that caused
// the penalty, or 0 for a local error.
func (e *Engine) penalize(idx int, outcome penalty.Outcome, observedLevel, status int, now time.Time) {
	decision := penalty.Evaluate(outcome, observedLevel, now)
	e.Table.ApplyPenalty(idx, now, decision.Until, decision.NewBackoffLevel, &status)
}

// exhausted handles the case where every key is penalized or excluded:
// forward the last upstream response if one was received, else 503.
func (e *Engine) exhausted(w http.ResponseWriter, status int, header http.Header, body []byte) {
	if status != 0 {
		e.forward(w, status, header, body)
		return
	}
	http.Error(w, "no upstream key available", http.StatusServiceUnavailable)
	metrics.ObserveRequest(http.StatusServiceUnavailable)
}

// forward writes a fully-materialized non-2xx upstream response through
// to the client verbatim.
func (e *Engine) forward(w http.ResponseWriter, status int, header http.Header, body []byte) {
	if status >= 400 {
		err := proxyerr.NewUpstreamStatusError(status, body)
		logging.Debug("dispatch: forwarding terminal upstream response", logging.Fields{"error": err.Error()})
	}
	copyHeader(w.Header(), header)
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
	metrics.ObserveRequest(status)
}

// streamSuccess relays a 2xx upstream body to the client byte-for-byte
// while capturing a bounded tail for post-hoc token parsing, flushing
// after every chunk when the response writer supports it so real-time
// streaming formats reach the client without buffering delay. reqBody is
// the client's original request body, archived as-is once the response
// completes.
func (e *Engine) streamSuccess(ctx context.Context, w http.ResponseWriter, res *upstream.Result, idx int, model, ip, path string, reqBody []byte) {
	defer res.Close()

	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.Status)

	flusher, _ := w.(http.Flusher)
	tail := newTailBuffer(tailCaptureBytes)
	relay := &relayWriter{w: w, flusher: flusher, tail: tail}

	buf := make([]byte, 32*1024)
	_, copyErr := io.CopyBuffer(relay, res.Body, buf)
	if copyErr != nil {
		logging.Debug("dispatch: streaming ended early", logging.Fields{"key_index": idx, "error": copyErr.Error()})
	}

	metrics.ObserveRequest(res.Status)

	prompt, completion, ok := parseTokens(tail.Bytes())
	if !ok {
		logging.Debug("dispatch: no token counts found in response tail", logging.Fields{"key_index": idx})
	}

	var archiveID string
	if e.Archiver != nil {
		id, err := e.Archiver.Write(reqBody)
		if err != nil {
			err = fmt.Errorf("%w: %v", proxyerr.ErrAccountingFailure, err)
			logging.Warn("dispatch: archive write failed", logging.Fields{"error": err.Error()})
		} else {
			archiveID = id
		}
	}

	if e.Recorder != nil {
		e.Recorder.Record(usage.Event{
			KeyIndex:         idx,
			Model:            model,
			ClientIP:         ip,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TimestampUTC:     time.Now().UTC(),
			Path:             path,
			RequestArchiveID: archiveID,
		})
	}

	if e.Hints != nil {
		if err := e.Hints.Record(ctx, idx, prompt+completion); err != nil {
			logging.Debug("dispatch: usage hint record failed", logging.Fields{"error": err.Error()})
		}
	}
}

// relayWriter tees every chunk written to the client into a bounded tail
// buffer and flushes immediately when the underlying writer can, so a
// streamed upstream response reaches the client as it arrives rather than
// once fully buffered.
type relayWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	tail    *tailBuffer
}

func (r *relayWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if n > 0 {
		r.tail.Write(p[:n])
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return n, err
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type modelPeek struct {
	Model string `json:"model"`
}

// extractModel best-effort parses the client's JSON body for a top-level
// "model" field. An unparsable or absent body yields an empty model,
// which usage accounting simply records as such.
func extractModel(body []byte) string {
	var m modelPeek
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	return m.Model
}

type tokenUsage struct {
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

// parseTokens looks for a trailing JSON object carrying prompt_eval_count
// and eval_count, per the upstream contract in spec §6. It tries the
// whole tail as one JSON document first (a plain, non-streamed response),
// then falls back to scanning newline-delimited frames from the end
// (a streamed response whose final event carries the totals).
func parseTokens(tail []byte) (prompt, completion int64, ok bool) {
	var tu tokenUsage
	if err := json.Unmarshal(tail, &tu); err == nil && (tu.PromptEvalCount != 0 || tu.EvalCount != 0) {
		return tu.PromptEvalCount, tu.EvalCount, true
	}

	lines := strings.Split(string(tail), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "data:"))
		if line == "" {
			continue
		}
		var candidate tokenUsage
		if err := json.Unmarshal([]byte(line), &candidate); err != nil {
			continue
		}
		if candidate.PromptEvalCount != 0 || candidate.EvalCount != 0 {
			return candidate.PromptEvalCount, candidate.EvalCount, true
		}
	}
	return 0, 0, false
}

// tailBuffer retains only the last capBytes bytes written to it.
type tailBuffer struct {
	buf []byte
	cap int
}

func newTailBuffer(capBytes int) *tailBuffer {
	return &tailBuffer{cap: capBytes}
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
}

func (t *tailBuffer) Bytes() []byte { return t.buf }
