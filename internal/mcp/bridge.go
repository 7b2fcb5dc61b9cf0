package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/config"
	"ToolChat/internal/tools"
)

// Connect starts the configured stdio servers and dials the remote ones.
// Servers that fail to start or initialize are logged and skipped.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) *ClientRegistry {
	registry := NewClientRegistry()

	for _, server := range cfg.MCP.Servers {
		client, err := NewStdioClient(server, logger)
		if err != nil {
			logger.Error("failed to start MCP server", "name", server.Name, "error", err)
			continue
		}
		if err := client.Initialize(ctx); err != nil {
			logger.Error("failed to initialize MCP server", "name", server.Name, "error", err)
			client.Close()
			continue
		}
		registry.Register(server.Name, client)
	}

	for i, url := range cfg.MCP.Remote {
		name := fmt.Sprintf("remote-%d", i+1)
		var (
			client Client
			err    error
		)
		if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
			client, err = NewWebSocketClient(ctx, name, url, logger)
		} else {
			client, err = NewHTTPClient(name, url, nil, logger)
		}
		if err != nil {
			logger.Error("failed to connect to remote MCP server", "url", url, "error", err)
			continue
		}
		if err := client.Initialize(ctx); err != nil {
			logger.Error("failed to initialize remote MCP server", "url", url, "error", err)
			client.Close()
			continue
		}
		registry.Register(name, client)
	}

	return registry
}

// RegisterTools lists the client's tools and registers each in reg with a
// handler forwarding to tools/call. Tools whose names are already taken
// are skipped. It returns how many tools were registered.
func RegisterTools(ctx context.Context, reg *tools.Registry, client Client, logger *slog.Logger) (int, error) {
	remote, err := client.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range remote {
		spec := tools.Spec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      inputSchema(t.InputSchema),
			Source:      client.Name(),
		}
		if err := reg.Register(spec, forward(client, t.Name)); err != nil {
			if chaterr.Is(err, chaterr.KindDuplicateTool) {
				logger.Warn("skipping MCP tool with a taken name", "server", client.Name(), "tool", t.Name)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func forward(client Client, name string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := client.CallTool(ctx, name, args)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, fmt.Errorf("%s", result.Text())
		}
		return result.Text(), nil
	}
}

// inputSchema converts a JSON Schema object to the registry schema type
func inputSchema(raw map[string]interface{}) mcpgo.ToolInputSchema {
	schema := mcpgo.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}}
	if t, ok := raw["type"].(string); ok && t != "" {
		schema.Type = t
	}
	if props, ok := raw["properties"].(map[string]interface{}); ok {
		schema.Properties = props
	}
	switch req := raw["required"].(type) {
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	case []string:
		schema.Required = append(schema.Required, req...)
	}
	return schema
}
