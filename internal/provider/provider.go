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

// Package provider declares the boundary between the daemon and LLM
// provider SDKs (GLM, Kimi). The daemon only depends on the Complete
// capability; provider-specific auth, retries, and wire formats live
// entirely behind implementations of this interface.
package provider

import "context"

// Name identifies a configured provider.
type Name string

const (
	GLM           Name = "glm"
	Kimi          Name = "kimi"
	KimiWebSearch Name = "kimi_web_search"
)

// Request is a single completion request.
type Request struct {
	Prompt   string
	Messages []Message
	Metadata map[string]any
}

// Message is one turn in a chat-style completion request.
type Message struct {
	Role    string
	Content string
}

// Response is a single completion result.
type Response struct {
	Content  string
	Metadata map[string]any
}

// Provider performs completions against one LLM backend.
type Provider interface {
	Name() Name
	Complete(ctx context.Context, req Request) (Response, error)
}
