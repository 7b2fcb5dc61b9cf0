// Package tools holds the tool registry and the executor that runs model
// requested tool calls.
package tools

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"ToolChat/internal/chaterr"
)

// Handler executes one tool call using parsed arguments. The returned value
// is rendered as text for the model: strings verbatim, anything else as JSON.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Spec describes a tool to the model
type Spec struct {
	Name        string
	Description string
	Schema      mcp.ToolInputSchema
	// ReadOnly tools have no side effects and their results may be cached
	ReadOnly bool
	// Source names where the tool comes from, "local" or an MCP server
	Source string
}

type registered struct {
	spec    Spec
	handler Handler
}

// Registry stores tools by name and remembers registration order
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registered
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool. Names are unique within a registry.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return chaterr.New(chaterr.KindConfiguration, "register tool", "tool name is empty")
	}
	if handler == nil {
		return chaterr.New(chaterr.KindConfiguration, "register tool", "tool %q has a nil handler", spec.Name)
	}
	if spec.Schema.Type == "" {
		spec.Schema.Type = "object"
	}
	if spec.Schema.Properties == nil {
		spec.Schema.Properties = map[string]interface{}{}
	}
	if spec.Source == "" {
		spec.Source = "local"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return chaterr.New(chaterr.KindDuplicateTool, "register tool", "tool %q is already registered", spec.Name)
	}
	r.tools[spec.Name] = registered{spec: spec, handler: handler}
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the tool registered under name
func (r *Registry) Lookup(name string) (Spec, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Spec{}, nil, chaterr.New(chaterr.KindUnknownTool, "lookup tool", "tool %q is not registered", name)
	}
	return t.spec, t.handler, nil
}

// Schemas returns every tool spec in registration order
func (r *Registry) Schemas() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].spec)
	}
	return out
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Tool converts a spec into its MCP description
func (s Spec) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: s.Schema,
	}
}

// Parameters returns the JSON Schema object sent to model providers
func (s Spec) Parameters() map[string]any {
	props := make(map[string]any, len(s.Schema.Properties))
	for k, v := range s.Schema.Properties {
		props[k] = v
	}
	typ := s.Schema.Type
	if typ == "" {
		typ = "object"
	}
	params := map[string]any{
		"type":       typ,
		"properties": props,
	}
	if len(s.Schema.Required) > 0 {
		params["required"] = append([]string(nil), s.Schema.Required...)
	}
	return params
}
