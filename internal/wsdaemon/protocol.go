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

package wsdaemon

// InboundMessage is the envelope for every client-to-daemon text frame.
// Each op has its own payload shape carried in the remaining fields.
type InboundMessage struct {
	Op        string         `json:"op"`
	SessionID string         `json:"session_id,omitempty"`
	Token     string         `json:"token,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorPayload is the body of a call_tool_error message.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HelloAck acknowledges a hello and assigns the session id.
type HelloAck struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
}

// ListToolsResult answers a list_tools request.
type ListToolsResult struct {
	Op    string `json:"op"`
	Items []any  `json:"items"`
}

// ProgressEnvelope wraps a heartbeat.Event for the wire.
type ProgressEnvelope struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Data      any    `json:"data"`
}

// CallToolResult carries a successful tool result.
type CallToolResult struct {
	Op        string         `json:"op"`
	RequestID string         `json:"request_id"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"_metadata,omitempty"`
}

// CallToolError carries a failed tool call.
type CallToolError struct {
	Op        string       `json:"op"`
	RequestID string       `json:"request_id"`
	Error     ErrorPayload `json:"error"`
}

// HealthAck answers a health request.
type HealthAck struct {
	Op      string `json:"op"`
	Metrics any    `json:"metrics"`
}

const (
	opHello      = "hello"
	opHelloAck   = "hello_ack"
	opListTools  = "list_tools"
	opTools      = "tools"
	opCallTool   = "call_tool"
	opHealth     = "health"
	opHealthAck  = "health_ack"
	opShutdown   = "shutdown"
	opProgress   = "progress"
	opToolResult = "call_tool_result"
	opToolError  = "call_tool_error"
)
