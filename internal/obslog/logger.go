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

// Package obslog provides the daemon and shim's ambient structured logger.
// It is distinct from internal/eventlog, which owns the append-only
// tool-call event record, not general process diagnostics.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys, used consistently across the daemon and shim.
const (
	RequestIDKey = "request_id"
	SessionKey   = "session_id"
	ToolKey      = "tool"
	ProviderKey  = "provider"
	DurationKey  = "duration_ms"
	ComponentKey = "component"
)

// Config holds logger configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON, stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment.
//
//	EXAI_DEBUG=1/true    -> debug level + source
//	EXAI_LOG_LEVEL        -> debug, info, warn, error
//	EXAI_LOG_FORMAT        -> json, text
func FromEnv() *Config {
	cfg := DefaultConfig()

	if d := os.Getenv("EXAI_DEBUG"); d == "1" || d == "true" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("EXAI_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("EXAI_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	return cfg
}

// New creates a *slog.Logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// WithRequestID returns a logger tagged with a request id.
func WithRequestID(logger *slog.Logger, rid string) *slog.Logger {
	return logger.With(RequestIDKey, rid)
}

// WithSession returns a logger tagged with a session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(SessionKey, sessionID)
}

func String(key, value string) slog.Attr { return slog.String(key, value) }
func Int(key string, value int) slog.Attr { return slog.Int(key, value) }
func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }
func Error(err error) slog.Attr { return slog.Any("error", err) }
func Duration(key string, ms int64) slog.Attr { return slog.Int64(key+"_ms", ms) }

// SanitizeSecret fully redacts a secret value for logging.
func SanitizeSecret(string) string { return "***REDACTED***" }
