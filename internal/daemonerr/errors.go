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

// Package daemonerr defines the typed error taxonomy shared by the daemon
// and shim. Errors carry a machine-readable Kind so callers can switch on
// failure class without parsing messages.
package daemonerr

import "fmt"

// Kind identifies a class of failure.
type Kind string

const (
	KindConfig       Kind = "config_error"
	KindAuth         Kind = "auth_error"
	KindSessionLimit Kind = "session_limit_exceeded"
	KindOverloaded   Kind = "overloaded"
	KindTimeout      Kind = "timeout"
	KindCircuitOpen  Kind = "circuit_open"
	KindProvider     Kind = "provider_error"
	KindTool         Kind = "tool_error"
	KindInternal     Kind = "internal"
	KindDedupTimeout Kind = "dedup_timeout"
)

// Layer identifies which timeout layer fired for a KindTimeout error.
type Layer string

const (
	LayerTool   Layer = "tool"
	LayerDaemon Layer = "daemon"
	LayerShim   Layer = "shim"
	LayerClient Layer = "client"
)

// Error is the structured error type surfaced on call_tool_error and logged
// by the event log.
type Error struct {
	Kind       Kind
	Message    string
	Op         string // operation/tool name, when applicable
	Layer      Layer  // timeout layer, when Kind == KindTimeout
	RetryAfter float64 // seconds, when Kind == KindCircuitOpen or KindOverloaded
	cause      error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithOp sets the operation name and returns the receiver for chaining.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithLayer sets the timeout layer and returns the receiver for chaining.
func (e *Error) WithLayer(layer Layer) *Error {
	e.Layer = layer
	return e
}

// WithRetryAfter sets a retry-after hint (seconds) and returns the receiver.
func (e *Error) WithRetryAfter(secs float64) *Error {
	e.RetryAfter = secs
	return e
}

// ConfigError is a convenience constructor for startup configuration failures.
func ConfigError(format string, args ...any) *Error {
	return New(KindConfig, fmt.Sprintf(format, args...))
}

// Timeout builds a KindTimeout error tagged with the layer that fired.
func Timeout(layer Layer, op string) *Error {
	return (&Error{Kind: KindTimeout, Message: "deadline exceeded", Op: op, Layer: layer})
}

// CircuitBreakerOpen builds a KindCircuitOpen error with a retry-after hint.
func CircuitBreakerOpen(op string, retryAfter float64) *Error {
	return (&Error{Kind: KindCircuitOpen, Message: "circuit open, no fallback available", Op: op, RetryAfter: retryAfter})
}

// Overloaded builds a KindOverloaded error.
func Overloaded(op string) *Error {
	return (&Error{Kind: KindOverloaded, Message: "semaphore wait exceeded daemon timeout", Op: op})
}

// SessionLimitExceeded builds a KindSessionLimit error.
func SessionLimitExceeded(limit int) *Error {
	return New(KindSessionLimit, fmt.Sprintf("session table at capacity (%d)", limit))
}
