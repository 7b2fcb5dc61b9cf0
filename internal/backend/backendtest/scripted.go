// Package backendtest provides a scripted backend for tests that need a
// model without a network.
package backendtest

import (
	"context"
	"errors"
	"sync"

	"ToolChat/internal/backend"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// ErrExhausted is returned once every scripted step has been consumed
var ErrExhausted = errors.New("backendtest: script exhausted")

// Step is one scripted reply. Func, when set, replaces the static reply.
type Step struct {
	Response backend.Response
	Err      error
	Chunks   []string
	// Block holds the reply until closed or until the call context ends
	Block <-chan struct{}
	Func  func(ctx context.Context, req backend.Request) (backend.Response, error)
}

// Text is a final answer step
func Text(s string) Step {
	return Step{
		Response: backend.Response{Content: s, Usage: &telemetry.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		Chunks:   []string{s},
	}
}

// Tools is a step requesting the given calls
func Tools(calls ...session.ToolCall) Step {
	return Step{Response: backend.Response{ToolCalls: calls, StopReason: "tool_calls"}}
}

// Fail is a step that returns err
func Fail(err error) Step { return Step{Err: err} }

// Call builds a tool call
func Call(id, name string, args map[string]any) session.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return session.ToolCall{ID: id, Name: name, Arguments: args}
}

// Scripted replays steps in order and records every request it receives
type Scripted struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []backend.Request
}

func New(steps ...Step) *Scripted {
	return &Scripted{name: "scripted", steps: steps}
}

// Named sets the name reported by Name
func (s *Scripted) Named(name string) *Scripted {
	s.name = name
	return s
}

func (s *Scripted) Name() string { return s.name }

// Push appends more steps
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Requests returns copies of the requests seen so far
func (s *Scripted) Requests() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining reports how many steps have not been consumed
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func (s *Scripted) Complete(ctx context.Context, req backend.Request, emit backend.EmitFunc) (backend.Response, error) {
	req.Messages = session.CloneMessages(req.Messages)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return backend.Response{}, ErrExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return backend.Response{}, ctx.Err()
		}
	}
	if step.Func != nil {
		return step.Func(ctx, req)
	}
	if step.Err != nil {
		return backend.Response{}, step.Err
	}
	for _, c := range step.Chunks {
		if emit == nil {
			break
		}
		if err := emit(c); err != nil {
			return backend.Response{}, err
		}
	}
	resp := step.Response
	resp.ToolCalls = append([]session.ToolCall(nil), resp.ToolCalls...)
	return resp, nil
}
