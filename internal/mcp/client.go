package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	clientName    = "toolchat"
	clientVersion = "1.0.0"
)

// Client represents a connection to an MCP server
type Client interface {
	// Initialize performs the MCP handshake
	Initialize(ctx context.Context) error

	// ListTools returns available tools from this MCP server
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool with given arguments
	CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error)

	// Close disconnects from the MCP server
	Close() error

	// Name returns the client identifier
	Name() string
}

// Tool represents an MCP tool/function available for invocation
type Tool struct {
	Name        string                 // Tool name
	Description string                 // Tool description
	InputSchema map[string]interface{} // JSON Schema for input parameters
	ServerName  string                 // Which server provides this tool
}

// transport sends one JSON-RPC request and returns its response
type transport interface {
	roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)
}

// rpc implements the MCP methods shared by every transport
type rpc struct {
	name string
	t    transport

	mu    sync.Mutex
	reqID int
}

func (r *rpc) call(ctx context.Context, method string, params, result interface{}) error {
	r.mu.Lock()
	r.reqID++
	id := r.reqID
	r.mu.Unlock()

	resp, err := r.t.roundTrip(ctx, JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	return decodeResult(resp, result)
}

func (r *rpc) initialize(ctx context.Context) (InitializeResult, error) {
	var result InitializeResult
	if err := r.call(ctx, MethodInitialize, initializeParams(), &result); err != nil {
		return result, fmt.Errorf("initialize failed: %w", err)
	}
	return result, nil
}

func (r *rpc) listTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := r.call(ctx, MethodListTools, map[string]interface{}{}, &result); err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	tools := make([]Tool, len(result.Tools))
	for i, info := range result.Tools {
		tools[i] = Tool{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
			ServerName:  r.name,
		}
	}
	return tools, nil
}

func (r *rpc) callTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var result CallToolResult
	if err := r.call(ctx, MethodCallTool, CallToolParams{Name: toolName, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("call tool %s failed: %w", toolName, err)
	}
	return &result, nil
}

// ClientRegistry manages multiple MCP clients
type ClientRegistry struct {
	clients map[string]Client
	mu      sync.RWMutex
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]Client),
	}
}

// Register adds a client to the registry
func (r *ClientRegistry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// Get retrieves a client by name
func (r *ClientRegistry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

// Names returns the registered client names in sorted order
func (r *ClientRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all registered clients
func (r *ClientRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, client := range r.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close client %s: %w", name, err)
		}
	}
	r.clients = make(map[string]Client)
	return firstErr
}

// Count returns the number of registered clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
