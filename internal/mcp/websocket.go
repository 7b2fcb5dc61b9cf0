package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClient implements Client for remote MCP servers via WebSocket
type WebSocketClient struct {
	name   string
	url    string
	rpc    *rpc
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketClient dials url and returns a client for it
func NewWebSocketClient(ctx context.Context, name string, url string, logger *slog.Logger) (*WebSocketClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	client := &WebSocketClient{
		name:   name,
		url:    url,
		conn:   conn,
		logger: logger,
	}
	client.rpc = &rpc{name: name, t: client}

	logger.Info("created MCP WebSocket client", "name", name, "url", url)
	return client, nil
}

// Name returns the client identifier
func (c *WebSocketClient) Name() string {
	return c.name
}

// Initialize establishes connection to MCP server
func (c *WebSocketClient) Initialize(ctx context.Context) error {
	result, err := c.rpc.initialize(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	err = c.conn.WriteJSON(JSONRPCNotification{JSONRPC: "2.0", Method: MethodInitialized})
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.logger.Info("MCP server initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns available tools from this MCP server
func (c *WebSocketClient) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := c.rpc.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool with given arguments
func (c *WebSocketClient) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error) {
	result, err := c.rpc.callTool(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("called tool", "server", c.name, "tool", toolName)
	return result, nil
}

// Close disconnects from the MCP server
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}

	c.logger.Info("closed MCP WebSocket client", "name", c.name)
	return nil
}

// roundTrip sends a request and reads messages until its response arrives.
// Context cancellation expires the read deadline.
func (c *WebSocketClient) roundTrip(ctx context.Context, request JSONRPCRequest) (JSONRPCResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return JSONRPCResponse{}, errClosed
	}

	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := c.conn.WriteJSON(request); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to write request: %w", err)
	}

	for {
		var response JSONRPCResponse
		if err := c.conn.ReadJSON(&response); err != nil {
			if ctx.Err() != nil {
				return JSONRPCResponse{}, ctx.Err()
			}
			return JSONRPCResponse{}, fmt.Errorf("failed to read response: %w", err)
		}
		if response.ID == request.ID {
			return response, nil
		}
		c.logger.Debug("skipping MCP message", "server", c.name, "id", response.ID, "method", response.Method)
	}
}
