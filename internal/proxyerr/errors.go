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

// Package proxyerr defines the sentinel error kinds the proxy distinguishes
// between, so dispatch and the HTTP layer can classify a failure without
// string matching.
package proxyerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, or wrap with fmt.Errorf("...: %w", Err*).
var (
	// ErrConfigInvalid is fatal and only ever surfaced at startup.
	ErrConfigInvalid = errors.New("proxy: invalid configuration")

	// ErrUnauthorized means the client lacks a valid proxy auth token.
	ErrUnauthorized = errors.New("proxy: unauthorized")

	// ErrNoKeyAvailable means every configured key is penalized or excluded.
	ErrNoKeyAvailable = errors.New("proxy: no key available")

	// ErrUpstreamLocal means a connection/TLS/read failure occurred before any
	// upstream status was observed.
	ErrUpstreamLocal = errors.New("proxy: upstream local error")

	// ErrClientDisconnected means the inbound client connection went away
	// mid-request; it is not a fault of any key.
	ErrClientDisconnected = errors.New("proxy: client disconnected")

	// ErrAccountingFailure is non-fatal: usage recording or archival failed
	// but the client response was already sent.
	ErrAccountingFailure = errors.New("proxy: accounting failure")

	// ErrBodyTooLarge means the client body exceeded the configured maximum.
	ErrBodyTooLarge = errors.New("proxy: request body too large")
)

// UpstreamStatusError carries a non-2xx upstream status that was not
// absorbed by the retry loop and must be proxied through verbatim.
type UpstreamStatusError struct {
	Status int
	Body   []byte
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("proxy: upstream status %d", e.Status)
}

// NewUpstreamStatusError wraps a terminal non-2xx upstream response.
func NewUpstreamStatusError(status int, body []byte) *UpstreamStatusError {
	return &UpstreamStatusError{Status: status, Body: body}
}
