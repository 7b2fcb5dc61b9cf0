package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"

	"ToolChat/internal/config"
)

var errClosed = errors.New("client is closed")

// StdioClient implements Client for a local MCP server process speaking
// newline delimited JSON-RPC over stdin and stdout.
type StdioClient struct {
	name    string
	rpc     *rpc
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	ioMu     sync.Mutex
	closed   atomic.Bool
	shutdown sync.Once
}

// NewStdioClient starts the configured server command
func NewStdioClient(server config.MCPServer, logger *slog.Logger) (*StdioClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if server.Command == "" {
		return nil, fmt.Errorf("MCP server %s has no command", server.Name)
	}

	cmd := exec.Command(server.Command, server.Arguments...)
	if len(server.Env) > 0 {
		keys := make([]string, 0, len(server.Env))
		for k := range server.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+server.Env[k])
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", server.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	client := &StdioClient{
		name:    server.Name,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		scanner: scanner,
		logger:  logger,
	}
	client.rpc = &rpc{name: server.Name, t: client}

	go client.logStderr()

	logger.Info("started MCP stdio client", "name", server.Name, "command", server.Command, "args", server.Arguments)
	return client, nil
}

// Name returns the client identifier
func (c *StdioClient) Name() string {
	return c.name
}

// Initialize performs the handshake and confirms it with the initialized
// notification.
func (c *StdioClient) Initialize(ctx context.Context) error {
	result, err := c.rpc.initialize(ctx)
	if err != nil {
		return err
	}
	if err := c.notify(MethodInitialized); err != nil {
		return err
	}
	c.logger.Info("MCP server initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns available tools from this MCP server
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := c.rpc.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool with given arguments
func (c *StdioClient) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error) {
	result, err := c.rpc.callTool(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("called tool", "server", c.name, "tool", toolName)
	return result, nil
}

// Close stops the server process. It is safe to call more than once.
func (c *StdioClient) Close() error {
	c.shutdown.Do(func() {
		c.closed.Store(true)

		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.logger.Warn("failed to kill MCP server process", "error", err)
			}
			c.cmd.Wait() // Clean up zombie process
		}

		c.logger.Info("closed MCP stdio client", "name", c.name)
	})
	return nil
}

func (c *StdioClient) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

func (c *StdioClient) notify(method string) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	if c.closed.Load() {
		return errClosed
	}
	return c.write(JSONRPCNotification{JSONRPC: "2.0", Method: method})
}

type reply struct {
	resp JSONRPCResponse
	err  error
}

// roundTrip writes the request and reads lines until the matching response.
// A cancelled context kills the server since the stream position is lost.
func (c *StdioClient) roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.closed.Load() {
		return JSONRPCResponse{}, errClosed
	}
	if err := c.write(req); err != nil {
		return JSONRPCResponse{}, err
	}

	ch := make(chan reply, 1)
	go func() { ch <- c.read(req.ID) }()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		c.Close()
		return JSONRPCResponse{}, ctx.Err()
	}
}

func (c *StdioClient) read(id int) reply {
	for c.scanner.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return reply{err: fmt.Errorf("failed to unmarshal response: %w", err)}
		}
		if resp.ID != id {
			c.logger.Debug("skipping MCP message", "server", c.name, "id", resp.ID, "method", resp.Method)
			continue
		}
		return reply{resp: resp}
	}
	if err := c.scanner.Err(); err != nil {
		return reply{err: fmt.Errorf("failed to read response: %w", err)}
	}
	return reply{err: fmt.Errorf("EOF from MCP server")}
}

// logStderr logs stderr output from the server process
func (c *StdioClient) logStderr() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		c.logger.Warn("MCP server stderr", "server", c.name, "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !c.closed.Load() {
		c.logger.Error("error reading stderr", "server", c.name, "error", err)
	}
}
