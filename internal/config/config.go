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

// Package config reads the process's startup configuration: the YAML key
// file (the only source of upstream API keys) plus an environment-variable
// overlay for the remaining knobs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"cloudproxy/internal/proxyerr"
)

// FileConfig is the shape of config/config.yaml.
type FileConfig struct {
	Keys []string `yaml:"keys"`
}

// Config is the fully resolved, process-wide configuration: the YAML key
// list plus the environment overlay. Apply sane defaults the same way the
// teacher's flag-parsing block does: compute the default, then only
// override when the corresponding environment variable is non-empty.
type Config struct {
	Keys                  []string
	Port                  string
	ProxyAuthToken        string
	AllowUnauthenticated  bool
	LogLevel              string
	AppVersion            string
	UpstreamBaseURL       string
	MaxBodyBytes          int64
	RedisAddr             string
}

const (
	defaultPort            = "8080"
	defaultUpstreamBaseURL = "https://ollama.com"
	defaultMaxBodyBytes    = 10 << 20 // 10 MiB
	defaultAppVersion      = "dev"
)

// Load reads the YAML key file at path and overlays environment variables.
// Returns proxyerr.ErrConfigInvalid (wrapped with detail) on any fatal
// startup condition: unreadable file, malformed YAML, or an empty key list.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", proxyerr.ErrConfigInvalid, path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", proxyerr.ErrConfigInvalid, path, err)
	}
	if len(fc.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s declares no keys", proxyerr.ErrConfigInvalid, path)
	}

	cfg := &Config{
		Keys:                 fc.Keys,
		Port:                 defaultPort,
		AllowUnauthenticated: false,
		LogLevel:             "info",
		AppVersion:           defaultAppVersion,
		UpstreamBaseURL:      defaultUpstreamBaseURL,
		MaxBodyBytes:         defaultMaxBodyBytes,
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("PROXY_AUTH_TOKEN"); v != "" {
		cfg.ProxyAuthToken = v
	}
	if v := os.Getenv("ALLOW_UNAUTHENTICATED_ACCESS"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return nil, fmt.Errorf("%w: ALLOW_UNAUTHENTICATED_ACCESS=%q is not a bool", proxyerr.ErrConfigInvalid, v)
		}
		cfg.AllowUnauthenticated = b
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.AppVersion = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || n <= 0 {
			return nil, fmt.Errorf("%w: MAX_BODY_BYTES=%q is not a positive integer", proxyerr.ErrConfigInvalid, v)
		}
		cfg.MaxBodyBytes = n
	}

	if !cfg.AllowUnauthenticated && cfg.ProxyAuthToken == "" {
		return nil, fmt.Errorf("%w: PROXY_AUTH_TOKEN must be set unless ALLOW_UNAUTHENTICATED_ACCESS=true", proxyerr.ErrConfigInvalid)
	}

	return cfg, nil
}
