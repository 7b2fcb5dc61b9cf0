package session

import (
	"fmt"
	"time"

	"ToolChat/internal/chaterr"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to run a named tool
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message represents a single chat message.
//
// Assistant messages may carry ToolCalls; tool messages answer exactly one
// call through ToolCallID. IsError marks an assistant turn diagnostic or a
// failed tool result.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// now strips the monotonic reading so timestamps survive a JSON round trip
// unchanged.
func now() time.Time {
	return time.Now().UTC().Round(0)
}

// NewSystemMessage creates a system message
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: now()}
}

// NewUserMessage creates a user message
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: now()}
}

// NewAssistantMessage creates a plain assistant reply
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: now()}
}

// NewErrorMessage creates the assistant message that closes a failed turn
func NewErrorMessage(kind chaterr.Kind, detail string) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   fmt.Sprintf("[%s] %s", kind, detail),
		IsError:   true,
		Timestamp: now(),
	}
}

// ToolErrorContent renders a failed tool result as the text shown to the model
func ToolErrorContent(kind chaterr.Kind, detail string) string {
	return fmt.Sprintf("error: %s: %s", kind, detail)
}

// NewToolCallMessage creates an assistant message requesting tool calls
func NewToolCallMessage(content string, calls []ToolCall) (Message, error) {
	msg := Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: cloneCalls(calls),
		Timestamp: now(),
	}
	if len(calls) == 0 {
		return Message{}, chaterr.New(chaterr.KindProtocolViolation, "new tool call message", "no tool calls")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NewToolResultMessage creates the tool message answering one call
func NewToolResultMessage(callID, toolName, content string, isError bool) (Message, error) {
	msg := Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Name:       toolName,
		IsError:    isError,
		Timestamp:  now(),
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the fields required by the message's role
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return chaterr.New(chaterr.KindProtocolViolation, "validate message", "%s message cannot carry tool fields", m.Role)
		}
	case RoleAssistant:
		if m.ToolCallID != "" {
			return chaterr.New(chaterr.KindProtocolViolation, "validate message", "assistant message cannot carry tool_call_id")
		}
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			if call.ID == "" {
				return chaterr.New(chaterr.KindProtocolViolation, "validate message", "tool call %d has no id", i)
			}
			if call.Name == "" {
				return chaterr.New(chaterr.KindProtocolViolation, "validate message", "tool call %s has no name", call.ID)
			}
			if _, dup := seen[call.ID]; dup {
				return chaterr.New(chaterr.KindProtocolViolation, "validate message", "duplicate tool call id %s", call.ID)
			}
			seen[call.ID] = struct{}{}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return chaterr.New(chaterr.KindProtocolViolation, "validate message", "tool message has no tool_call_id")
		}
		if len(m.ToolCalls) > 0 {
			return chaterr.New(chaterr.KindProtocolViolation, "validate message", "tool message cannot carry tool calls")
		}
	default:
		return chaterr.New(chaterr.KindProtocolViolation, "validate message", "unknown role %q", m.Role)
	}
	return nil
}

// HasToolCalls reports whether m is an assistant tool request
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// CloneMessage returns a deep copy of m
func CloneMessage(m Message) Message {
	m.ToolCalls = cloneCalls(m.ToolCalls)
	return m
}

// CloneMessages returns a deep copy of msgs
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

func cloneCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{ID: c.ID, Name: c.Name, Arguments: cloneArgs(c.Arguments)}
	}
	return out
}

// CloneArguments deep-copies decoded JSON tool arguments
func CloneArguments(args map[string]any) map[string]any {
	return cloneArgs(args)
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
