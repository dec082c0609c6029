// Copyright 2025 Tom Barlow
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

// Package daemonconfig assembles the daemon's env-first configuration:
// bind address, concurrency permits, session table limits, and circuit
// breaker thresholds. Timeouts are delegated entirely to internal/timeouts.
package daemonconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/timeouts"
)

// Config is the daemon's fully resolved startup configuration.
type Config struct {
	Timeouts *timeouts.Set

	Host string
	Port int

	SessionMaxInflight int
	GlobalMaxInflight  int
	GLMMaxInflight     int
	KimiMaxInflight    int

	SessionTimeout  time.Duration
	SessionMaxTotal int
	SessionCleanup  time.Duration

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration

	LogDir    string
	Autostart bool

	AuthToken     string
	PrevAuthToken string
}

// Load reads the full daemon configuration from the environment using
// getenv as the lookup function (os.Getenv in production, a map in tests).
func Load(getenv func(string) string) (Config, error) {
	ts, err := timeouts.Load(getenv)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Timeouts: ts,

		Host: stringOr(getenv("EXAI_WS_HOST"), "127.0.0.1"),
		Port: intOr(getenv("EXAI_WS_PORT"), 8765),

		SessionMaxInflight: intOr(getenv("EXAI_WS_SESSION_MAX_INFLIGHT"), 6),
		GlobalMaxInflight:  intOr(getenv("EXAI_WS_GLOBAL_MAX_INFLIGHT"), 16),
		GLMMaxInflight:     intOr(getenv("EXAI_WS_GLM_MAX_INFLIGHT"), 8),
		KimiMaxInflight:    intOr(getenv("EXAI_WS_KIMI_MAX_INFLIGHT"), 4),

		SessionTimeout:  time.Duration(intOr(getenv("SESSION_TIMEOUT_SECS"), 3600)) * time.Second,
		SessionMaxTotal: intOr(getenv("SESSION_MAX_CONCURRENT"), 100),
		SessionCleanup:  time.Duration(intOr(getenv("SESSION_CLEANUP_INTERVAL"), 300)) * time.Second,

		CircuitFailureThreshold: intOr(getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"), 5),
		CircuitRecoveryTimeout:  time.Duration(intOr(getenv("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_SECS"), 300)) * time.Second,

		LogDir:    stringOr(getenv("EXAI_LOG_DIR"), defaultLogDir()),
		Autostart: boolOr(getenv("EXAI_WS_AUTOSTART"), true),

		AuthToken:     getenv("EXAI_WS_TOKEN"),
		PrevAuthToken: getenv("EXAI_WS_TOKEN_PREVIOUS"),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, daemonerr.ConfigError("invalid EXAI_WS_PORT: %d", cfg.Port)
	}

	return cfg, nil
}

// LoadFromEnv is the production entry point, reading from os.Getenv.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// fileOverlay is the subset of Config an on-disk overlay may set. Fields
// left unset in the file are left at whatever Load already resolved.
type fileOverlay struct {
	Host              *string `yaml:"host"`
	Port              *int    `yaml:"port"`
	LogDir            *string `yaml:"log_dir"`
	Autostart         *bool   `yaml:"autostart"`
	SessionMaxTotal   *int    `yaml:"session_max_concurrent"`
	GlobalMaxInflight *int    `yaml:"global_max_inflight"`
}

// ApplyFile overlays bind host/port, logdir, autostart, and session/global
// concurrency limits from an optional on-disk YAML file onto cfg. A missing
// file is not an error. Values present in the file override those already
// on cfg (including ones Load resolved from env vars); CLI flags applied
// after it take precedence over the file.
func (cfg *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read daemon config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse daemon config file: %w", err)
	}

	if overlay.Host != nil {
		cfg.Host = *overlay.Host
	}
	if overlay.Port != nil {
		cfg.Port = *overlay.Port
	}
	if overlay.LogDir != nil {
		cfg.LogDir = *overlay.LogDir
	}
	if overlay.Autostart != nil {
		cfg.Autostart = *overlay.Autostart
	}
	if overlay.SessionMaxTotal != nil {
		cfg.SessionMaxTotal = *overlay.SessionMaxTotal
	}
	if overlay.GlobalMaxInflight != nil {
		cfg.GlobalMaxInflight = *overlay.GlobalMaxInflight
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return daemonerr.ConfigError("invalid port in daemon config file: %d", cfg.Port)
	}
	return nil
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".exai"
	}
	return home + "/.exai/logs"
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolOr(v string, fallback bool) bool {
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
