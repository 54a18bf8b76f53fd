// Copyright 2025 The Gobby Authors
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

package mcptools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/gobbyhq/gobby/internal/log"
)

// StdioServer exposes the registry over MCP stdio. Tool names are flattened
// to <server>_<tool> because MCP has no namespace concept of its own.
type StdioServer struct {
	registry  *Registry
	mcpServer *server.MCPServer
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// StdioConfig configures the stdio surface.
type StdioConfig struct {
	// Version reported in the MCP handshake.
	Version string
	// CallsPerMinute caps total tool calls; 0 means 120.
	CallsPerMinute int
}

// NewStdioServer registers every tool of every server.
func NewStdioServer(reg *Registry, logger *slog.Logger, cfg StdioConfig) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 120
	}

	s := &StdioServer{
		registry:  reg,
		mcpServer: server.NewMCPServer("gobby", cfg.Version),
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60.0), cfg.CallsPerMinute),
		logger:    log.WithComponent(logger, "mcp"),
	}

	for _, name := range reg.Servers() {
		srv, _ := reg.Server(name)
		for _, tool := range srv.Tools() {
			s.mcpServer.AddTool(mcp.Tool{
				Name:        name + "_" + tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}, s.handler(name, tool.Name))
		}
	}
	return s
}

func (s *StdioServer) handler(serverName, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.limiter.Allow() {
			return errorResponse("Rate limit exceeded. Please slow down tool calls."), nil
		}

		args := request.GetArguments()
		sessionRef := request.GetString("session_id", "")

		result, err := s.registry.Call(ctx, serverName, toolName, sessionRef, args)
		if err != nil {
			// Tool failures are results, not protocol errors.
			return errorResponse(err.Error()), nil
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errorResponse("encoding result: " + err.Error()), nil
		}
		return textResponse(string(data)), nil
	}
}

// Run serves MCP over stdio until the peer disconnects.
func (s *StdioServer) Run(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return server.ServeStdio(s.mcpServer)
}

func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
