package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ToolChat/internal/session"
	"ToolChat/internal/tools"
)

// serveSession is the session id tool calls from MCP clients are recorded
// under
const serveSession = "mcp-serve"

// Server exposes the local tool registry to MCP clients over stdio. Calls
// run through the executor so validation, timeouts and caching apply.
type Server struct {
	server   *server.MCPServer
	executor *tools.Executor
	logger   *slog.Logger
}

// NewServer registers every tool in reg with a new MCP server
func NewServer(reg *tools.Registry, exec *tools.Executor, version string, logger *slog.Logger) *Server {
	s := &Server{
		server: server.NewMCPServer(
			clientName,
			version,
			server.WithToolCapabilities(true),
			server.WithLogging(),
		),
		executor: exec,
		logger:   logger,
	}

	for _, spec := range reg.Schemas() {
		s.server.AddTool(spec.Tool(), s.handler(spec.Name))
	}
	s.server.AddNotificationHandler(func(n mcpgo.JSONRPCNotification) {
		logger.Debug("received MCP notification", "method", n.Method)
	})

	logger.Info("MCP server created", "tools", reg.Len())
	return s
}

func (s *Server) handler(name string) func(arguments map[string]interface{}) (*mcpgo.CallToolResult, error) {
	return func(arguments map[string]interface{}) (*mcpgo.CallToolResult, error) {
		return s.call(context.Background(), name, arguments)
	}
}

func (s *Server) call(ctx context.Context, name string, arguments map[string]interface{}) (*mcpgo.CallToolResult, error) {
	call := session.ToolCall{ID: uuid.NewString(), Name: name, Arguments: arguments}
	res := s.executor.Execute(ctx, serveSession, "", []session.ToolCall{call})[0]
	if res.Err != nil {
		s.logger.Warn("MCP tool call failed", "tool", name, "error", res.Err)
		return nil, fmt.Errorf("%s", res.Content())
	}
	return &mcpgo.CallToolResult{
		Content: []interface{}{
			mcpgo.TextContent{
				Type: "text",
				Text: res.Output,
			},
		},
	}, nil
}

// Serve blocks serving stdin and stdout
func (s *Server) Serve() error {
	s.logger.Info("starting MCP server on stdio")
	if err := server.ServeStdio(s.server); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	s.logger.Info("MCP server stopped")
	return nil
}
