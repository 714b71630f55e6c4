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

// Package archive persists raw request bodies as gzip-compressed blobs,
// one file per request, identified by the request_archive_id the usage
// event carries. It is a best-effort side channel: its own failures must
// never surface as failures of the thing it's recording.
package archive

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Writer persists request bodies under one directory, one gzip file per
// call to Write.
type Writer struct {
	dir     string
	counter atomic.Uint64
}

// New ensures dir exists and returns a Writer rooted there.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating dir %q: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Write gzips body to a new file and returns its archive ID. The ID
// combines a wall-clock timestamp with a monotonic in-process counter so
// concurrent writes in the same nanosecond never collide.
func (w *Writer) Write(body []byte) (string, error) {
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), w.counter.Add(1))
	path := filepath.Join(w.dir, id+".gz")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: creating %q: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(body); err != nil {
		gz.Close()
		return "", fmt.Errorf("archive: writing %q: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("archive: closing gzip writer for %q: %w", path, err)
	}
	return id, nil
}

// Open returns a reader over the decompressed body for id. The caller
// must close the returned ReadCloser.
func (w *Writer) Open(id string) (io.ReadCloser, error) {
	path := filepath.Join(w.dir, id+".gz")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %q: %w", path, err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: decompressing %q: %w", path, err)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}
