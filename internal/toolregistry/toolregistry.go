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

// Package toolregistry declares the boundary between the daemon and the
// concrete tool implementations (chat, analyze, debug, and friends). The
// daemon only ever calls Invoke; it has no knowledge of what a given tool
// name does.
package toolregistry

import (
	"context"

	"github.com/tombee/exai-toolbridge/internal/provider"
)

// Descriptor is the inventory entry returned by a registry for list_tools.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Workflow    bool           `json:"workflow"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Registry invokes named tools by name and lists the tool inventory. A
// workflow tool uses the longer WorkflowTool timeout; all others use
// SimpleTool.
type Registry interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
	List() []Descriptor
	IsWorkflow(name string) bool
}

// HeartbeatFunc lets a tool implementation emit a rate-limited progress
// event for the call currently in flight, without depending on the
// heartbeat package directly.
type HeartbeatFunc func(message string, metadata map[string]any)

// ExpertValidateFunc lets a tool implementation run expert validation
// through the process-wide dedup cache without depending on the dedup
// package directly.
type ExpertValidateFunc func(ctx context.Context, tool, requestID string, findings any, compute func(context.Context) (any, error)) (any, error)

// ProviderLookup resolves a configured Provider by name, letting a tool
// implementation reach the daemon's shared provider set without depending
// on wsdaemon directly.
type ProviderLookup func(name provider.Name) (provider.Provider, bool)

type contextKey int

const (
	heartbeatKey contextKey = iota
	expertValidateKey
	providerLookupKey
)

// WithProviders attaches a ProviderLookup to ctx for the duration of a call.
func WithProviders(ctx context.Context, fn ProviderLookup) context.Context {
	return context.WithValue(ctx, providerLookupKey, fn)
}

// ProvidersFromContext retrieves the ProviderLookup attached by
// WithProviders, if any.
func ProvidersFromContext(ctx context.Context) (ProviderLookup, bool) {
	fn, ok := ctx.Value(providerLookupKey).(ProviderLookup)
	return fn, ok
}

// WithHeartbeat attaches a HeartbeatFunc to ctx for the duration of a call.
func WithHeartbeat(ctx context.Context, fn HeartbeatFunc) context.Context {
	return context.WithValue(ctx, heartbeatKey, fn)
}

// HeartbeatFromContext retrieves the HeartbeatFunc attached by WithHeartbeat,
// if any.
func HeartbeatFromContext(ctx context.Context) (HeartbeatFunc, bool) {
	fn, ok := ctx.Value(heartbeatKey).(HeartbeatFunc)
	return fn, ok
}

// WithExpertValidate attaches an ExpertValidateFunc to ctx for the duration
// of a call.
func WithExpertValidate(ctx context.Context, fn ExpertValidateFunc) context.Context {
	return context.WithValue(ctx, expertValidateKey, fn)
}

// ExpertValidateFromContext retrieves the ExpertValidateFunc attached by
// WithExpertValidate, if any.
func ExpertValidateFromContext(ctx context.Context) (ExpertValidateFunc, bool) {
	fn, ok := ctx.Value(expertValidateKey).(ExpertValidateFunc)
	return fn, ok
}
