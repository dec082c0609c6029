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

package toolregistry

import (
	"context"
	"fmt"

	"github.com/tombee/exai-toolbridge/internal/provider"
)

// Handler is one tool's implementation. Concrete tool logic (chat, analyze,
// debug, and friends) lives outside this package; Handler is only the shape
// a registry entry must satisfy.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// StaticRegistry is a fixed, in-process Registry built from a list of
// descriptors and handlers supplied at construction. It exists so
// cmd/exai-wsd has a concrete, runnable Registry to wire; a deployment
// with a real tool backend replaces it with its own Registry implementation.
type StaticRegistry struct {
	entries map[string]entry
}

// NewStaticRegistry builds a StaticRegistry from name->(descriptor,handler)
// pairs. Unknown tool names at Invoke time return an error.
func NewStaticRegistry(descriptors []Descriptor, handlers map[string]Handler) *StaticRegistry {
	entries := make(map[string]entry, len(descriptors))
	for _, d := range descriptors {
		entries[d.Name] = entry{descriptor: d, handler: handlers[d.Name]}
	}
	return &StaticRegistry{entries: entries}
}

func (r *StaticRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	e, ok := r.entries[name]
	if !ok || e.handler == nil {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	return e.handler(ctx, args)
}

func (r *StaticRegistry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	return out
}

func (r *StaticRegistry) IsWorkflow(name string) bool {
	e, ok := r.entries[name]
	return ok && e.descriptor.Workflow
}

// EchoHandler is a minimal reference handler: it returns args unchanged
// under a "echo" key, emitting one heartbeat through ctx when one is
// attached, so that a default installation can exercise the call pipeline
// without a real provider-backed tool.
func EchoHandler(ctx context.Context, args map[string]any) (any, error) {
	if hb, ok := HeartbeatFromContext(ctx); ok {
		hb("echoing", nil)
	}
	return map[string]any{"echo": args}, nil
}

// ChatHandler forwards args["prompt"] to the GLM provider, demonstrating how
// a provider-backed tool reaches the daemon's shared provider set.
func ChatHandler(ctx context.Context, args map[string]any) (any, error) {
	lookup, ok := ProvidersFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("toolregistry: no provider lookup in context")
	}
	p, ok := lookup(provider.GLM)
	if !ok {
		return nil, fmt.Errorf("toolregistry: provider %q not configured", provider.GLM)
	}

	prompt, _ := args["prompt"].(string)
	if hb, ok := HeartbeatFromContext(ctx); ok {
		hb("calling provider", map[string]any{"provider": string(p.Name())})
	}

	resp, err := p.Complete(ctx, provider.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": resp.Content}, nil
}
