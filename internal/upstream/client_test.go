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

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCleanPathStripsKnownPrefixWithoutDoubling(t *testing.T) {
	cases := []struct {
		basePath, clientPath, want string
	}{
		{"/api", "/api/generate", "/generate"},
		{"/v1", "/v1/chat/completions", "/chat/completions"},
		{"", "/api/generate", "/api/generate"},
		{"/api", "/generate", "/generate"},
		{"/api", "/api", ""},
	}
	for _, c := range cases {
		got := CleanPath(c.basePath, c.clientPath)
		if got != c.want {
			t.Fatalf("CleanPath(%q, %q) = %q, want %q", c.basePath, c.clientPath, got, c.want)
		}
	}
}

func TestBuildHeaderReplacesAuthAndDropsHopByHop(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-token")
	in.Set("Connection", "keep-alive")
	in.Set("X-Custom", "keep-me")

	out := buildHeader(in, "upstream-secret", "upstream.example.com")

	if got := out.Get("Authorization"); got != "Bearer upstream-secret" {
		t.Fatalf("expected upstream bearer, got %q", got)
	}
	if out.Get("Connection") != "" {
		t.Fatalf("expected Connection header to be dropped")
	}
	if got := out.Get("X-Custom"); got != "keep-me" {
		t.Fatalf("expected unrelated header preserved, got %q", got)
	}
	if got := out.Get("Host"); got != "upstream.example.com" {
		t.Fatalf("expected Host rewritten, got %q", got)
	}
}

func TestCallStreamsSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer the-key" {
			t.Errorf("expected upstream bearer, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"eval_count":12,"prompt_eval_count":3}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Call(context.Background(), "the-key", Request{Method: http.MethodPost, Path: "/v1/chat", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer res.Close()
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Status)
	}
}

func TestCallReturnsBoundedBodyOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Call(context.Background(), "the-key", Request{Method: http.MethodGet, Path: "/ping", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Status)
	}
	if res.Body != nil {
		t.Fatalf("expected no open body on non-2xx")
	}
	if len(res.BodyBytes) == 0 {
		t.Fatalf("expected a bounded error body")
	}
}
