package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HTTPClient implements Client for remote MCP servers via HTTP
type HTTPClient struct {
	name       string
	baseURL    string
	rpc        *rpc
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based MCP client for remote servers.
// Requests are posted to <baseURL>/rpc.
func NewHTTPClient(name string, baseURL string, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := &HTTPClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
	client.rpc = &rpc{name: name, t: client}

	logger.Info("created MCP HTTP client", "name", name, "url", baseURL)
	return client, nil
}

// Name returns the client identifier
func (c *HTTPClient) Name() string {
	return c.name
}

// Initialize establishes connection to MCP server
func (c *HTTPClient) Initialize(ctx context.Context) error {
	result, err := c.rpc.initialize(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("MCP server initialized", "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// ListTools returns available tools from this MCP server
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := c.rpc.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool with given arguments
func (c *HTTPClient) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error) {
	result, err := c.rpc.callTool(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("called tool", "server", c.name, "tool", toolName)
	return result, nil
}

// Close disconnects from the MCP server
func (c *HTTPClient) Close() error {
	c.logger.Info("closed MCP HTTP client", "name", c.name)
	return nil
}

// roundTrip posts one JSON-RPC request
func (c *HTTPClient) roundTrip(ctx context.Context, request JSONRPCRequest) (JSONRPCResponse, error) {
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewBuffer(requestJSON))
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return JSONRPCResponse{}, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body))
	}

	var response JSONRPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.ID != request.ID {
		return JSONRPCResponse{}, fmt.Errorf("response id %d does not match request id %d", response.ID, request.ID)
	}
	return response, nil
}
