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

package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/exai-toolbridge/internal/obslog"
	"github.com/tombee/exai-toolbridge/internal/toolregistry"
)

// Config configures the shim's stdio MCP server.
type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// Shim is the stdio MCP server that bridges to the daemon over one
// persistent WS client connection.
type Shim struct {
	mcpServer *server.MCPServer
	client    *Client
	logger    *slog.Logger
}

// New builds a Shim around an already-connected Client.
func New(cfg Config, client *Client) *Shim {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "exai"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Shim{
		mcpServer: server.NewMCPServer(name, version),
		client:    client,
		logger:    logger,
	}
}

// RegisterTools fetches the daemon's tool inventory and registers each as
// an MCP tool whose handler forwards call_tool to the daemon.
func (s *Shim) RegisterTools(ctx context.Context) error {
	descriptors, err := s.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list_tools: %w", err)
	}

	for _, d := range descriptors {
		s.registerTool(d)
	}
	return nil
}

func (s *Shim) registerTool(d toolregistry.Descriptor) {
	inputSchema := mcp.ToolInputSchema{Type: "object"}
	if props, ok := d.InputSchema["properties"].(map[string]any); ok {
		inputSchema.Properties = props
	}
	if required, ok := d.InputSchema["required"].([]string); ok {
		inputSchema.Required = required
	}

	tool := mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: inputSchema,
	}

	s.mcpServer.AddTool(tool, s.makeHandler(d.Name))
}

func (s *Shim) makeHandler(name string) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if raw, err := json.Marshal(request.Params.Arguments); err == nil {
			json.Unmarshal(raw, &args)
		}

		result, err := s.client.CallTool(ctx, name, args)
		if err != nil {
			s.logger.Warn("call_tool failed", obslog.String("tool", name), obslog.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		text, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

// LogProgress forwards daemon progress events to the shim's logger; the
// MCP stdio protocol has no general progress channel unless the client
// negotiated one, so by default progress is only logged.
func (s *Shim) LogProgress() {
	s.client.OnProgress(func(requestID string, ev any) {
		s.logger.Debug("tool progress", obslog.String("request_id", requestID), "event", ev)
	})
}

// Run serves the MCP session over stdio until the client disconnects.
func (s *Shim) Run(ctx context.Context) error {
	s.logger.Info("shim starting stdio MCP server")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}
