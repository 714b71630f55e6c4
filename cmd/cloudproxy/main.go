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

// cloudproxy is a reverse proxy in front of a remote cloud inference API.
// It owns a pool of upstream API keys, dispatches each client request to
// one key, streams the response back, and on quota or transient upstream
// failure retries the same request against another key. A background
// controller rehabilitates penalized keys on a schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloudproxy/internal/archive"
	"cloudproxy/internal/config"
	"cloudproxy/internal/dispatch"
	"cloudproxy/internal/health"
	"cloudproxy/internal/keytable"
	"cloudproxy/internal/logbuffer"
	"cloudproxy/internal/logging"
	"cloudproxy/internal/metrics"
	"cloudproxy/internal/server"
	"cloudproxy/internal/upstream"
	"cloudproxy/internal/usage"
	"cloudproxy/internal/usage/hintcache"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML key file")
	dbPath := flag.String("db", "cloudproxy.db", "path to the SQLite usage database")
	archiveDir := flag.String("archive_dir", "", "directory for gzip request-body archives; empty disables archiving")
	probePath := flag.String("probe_path", health.DefaultProbePath, "upstream path the health controller probes")
	probePeriod := flag.Duration("probe_period", health.DefaultPeriod, "health controller tick interval")
	flushInterval := flag.Duration("usage_flush_interval", usage.DefaultFlushInterval, "how often in-memory usage buckets are flushed to the database")
	idleTimeout := flag.Duration("usage_idle_timeout", usage.DefaultIdleTimeout, "how long an idle usage bucket is kept in memory before eviction")
	hintAdapter := flag.String("usage_hint_adapter", "memory", "usage-hint cache backend: memory or redis")
	logBufferLines := flag.Int("log_buffer_lines", 1000, "number of recent log lines kept for GET /logs")
	shutdownGrace := flag.Duration("shutdown_grace", 10*time.Second, "bounded grace period for in-flight requests on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("cloudproxy: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	logs := logbuffer.New(*logBufferLines)
	logging.SetOutput(io.MultiWriter(os.Stderr, logs))

	table := keytable.New(cfg.Keys)
	selector := keytable.NewSelector(table)

	client, err := upstream.New(cfg.UpstreamBaseURL)
	if err != nil {
		log.Fatalf("cloudproxy: %v", err)
	}

	store, err := usage.OpenSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("cloudproxy: opening usage database: %v", err)
	}
	defer store.Close()
	recorder := usage.NewRecorder(store, *flushInterval, *idleTimeout)
	defer recorder.Stop()

	hints, err := hintcache.Build(*hintAdapter, cfg.RedisAddr, 3*time.Hour)
	if err != nil {
		log.Fatalf("cloudproxy: building usage hint cache: %v", err)
	}

	var archiver *archive.Writer
	if *archiveDir != "" {
		archiver, err = archive.New(*archiveDir)
		if err != nil {
			log.Fatalf("cloudproxy: %v", err)
		}
	}

	healthController := health.New(table, client, *probePath, *probePeriod)
	healthController.Start()
	defer healthController.Stop()

	engine := &dispatch.Engine{
		Table:                table,
		Selector:             selector,
		Client:               client,
		Recorder:             recorder,
		Usage:                store,
		Hints:                hints,
		Archiver:             archiver,
		AuthToken:            cfg.ProxyAuthToken,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
		MaxBodyBytes:         cfg.MaxBodyBytes,
	}

	srv := &server.Server{
		Proxy:                engine,
		Health:               healthController,
		Usage:                store,
		Logs:                 logs,
		Version:              cfg.AppVersion,
		AuthToken:            cfg.ProxyAuthToken,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
	}

	mux := srv.NewMux()
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: upstream responses can stream for minutes.
	}

	go func() {
		logging.Info("cloudproxy: listening", logging.Fields{"port": cfg.Port, "keys": len(cfg.Keys)})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("cloudproxy: could not listen on %s: %v", cfg.Port, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("cloudproxy: shutting down")
	healthController.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("cloudproxy: server shutdown failed: %v", err)
	}

	recorder.Stop()
	fmt.Println("cloudproxy: stopped")
}
