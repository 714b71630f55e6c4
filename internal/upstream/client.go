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

// Package upstream issues single HTTP calls to the configured cloud
// inference API. It owns one shared http.Client for the process lifetime
// so that connection pooling survives retries and streaming responses
// don't trigger premature socket churn.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBodyBytes bounds how much of a non-2xx body we read into memory.
const maxErrorBodyBytes = 8 << 10 // 8 KiB

// hopByHopHeaders are never forwarded to the upstream, per RFC 7230 §6.1.
// Upstream response headers are not filtered here.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client issues calls against one upstream base URL using a single shared
// *http.Client across the whole process.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
}

// New builds a Client bound to baseURL. The transport is tuned for a
// long-lived, highly concurrent streaming workload: generous idle-conn
// limits, no blanket request timeout (responses can stream for minutes).
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid base URL %q: %w", baseURL, err)
	}
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
		baseURL: u,
	}, nil
}

// Request is everything the dispatch engine has already read off the
// client connection: method, cleaned path, raw query, header set, and a
// fully-materialized body buffer (replayable across retries).
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Result is either a 2xx stream (Body/Header set, Close must be called) or
// a fully-read non-2xx response (BodyBytes set, Close is a no-op).
type Result struct {
	Status     int
	Header     http.Header
	Body       io.ReadCloser // non-nil only when Status is 2xx
	BodyBytes  []byte        // non-nil only when Status is not 2xx
	Latency    time.Duration
}

// Close releases the underlying connection. Safe to call on any Result,
// including one produced from an error path.
func (r *Result) Close() error {
	if r != nil && r.Body != nil {
		return r.Body.Close()
	}
	return nil
}

// CleanPath strips a leading /api or /v1 segment from the client path when
// the upstream base already implies that prefix, so the proxy never
// produces a doubled /api/api or /v1/v1 on the wire. All other segments
// and the raw query string pass through verbatim.
func CleanPath(basePath, clientPath string) string {
	baseHasAPI := strings.HasSuffix(basePath, "/api") || basePath == "/api"
	baseHasV1 := strings.HasSuffix(basePath, "/v1") || basePath == "/v1"
	if !baseHasAPI && !baseHasV1 {
		return clientPath
	}
	for _, prefix := range []string{"/api", "/v1"} {
		if clientPath == prefix {
			return ""
		}
		if strings.HasPrefix(clientPath, prefix+"/") {
			return clientPath[len(prefix):]
		}
	}
	return clientPath
}

// buildHeader applies the §4.3 header policy: the client's Authorization
// is replaced by the upstream bearer for the selected key, Host is
// rewritten, hop-by-hop headers are dropped, everything else passes
// through unchanged.
func buildHeader(in http.Header, key, upstreamHost string) http.Header {
	out := in.Clone()
	out.Del("Authorization")
	out.Set("Authorization", "Bearer "+key)
	out.Set("Host", upstreamHost)
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	return out
}

// Call issues one HTTP request using key. On 2xx, the returned Result
// carries an open, lazily-consumed body the caller must Close exactly
// once. On non-2xx, the body is bounded-read and closed before Call
// returns, so the caller never needs to close it (Close is still safe to
// call). Every exit path, including ctx cancellation, closes the
// underlying response.
func (c *Client) Call(ctx context.Context, key string, req Request) (*Result, error) {
	target := *c.baseURL
	target.Path = singleJoiningSlash(c.baseURL.Path, CleanPath(c.baseURL.Path, req.Path))
	target.RawQuery = req.Query

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	httpReq.Header = buildHeader(req.Header, key, c.baseURL.Host)
	httpReq.Host = c.baseURL.Host

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Body:    resp.Body,
			Latency: latency,
		}, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &Result{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		BodyBytes: body,
		Latency:   latency,
	}, nil
}

// Probe issues a cheap GET against probePath using key, draining and
// closing the body regardless of outcome. It exists for the health
// controller, which only cares about the status code.
func (c *Client) Probe(ctx context.Context, key, probePath string) (*Result, error) {
	res, err := c.Call(ctx, key, Request{Method: http.MethodGet, Path: probePath})
	if err != nil {
		return nil, err
	}
	if res.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBodyBytes))
		res.Body.Close()
	}
	return res, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	default:
		return a + b
	}
}
