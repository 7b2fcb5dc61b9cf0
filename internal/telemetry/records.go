package telemetry

import (
	"time"

	"ToolChat/internal/chaterr"
)

// EventKind names a call lifecycle event in the structured log
type EventKind string

const (
	EventCallStart        EventKind = "call-start"
	EventRequestSent      EventKind = "request-sent"
	EventResponseReceived EventKind = "response-received"
	EventToolDecision     EventKind = "tool-decision"
	EventToolStart        EventKind = "tool-start"
	EventToolResult       EventKind = "tool-result"
	EventToolError        EventKind = "tool-error"
	EventCallComplete     EventKind = "call-complete"
	EventCallError        EventKind = "call-error"
	EventModelSwitch      EventKind = "model-switch"
)

// Decision records what the model chose to do with a call
type Decision string

const (
	DecisionUseTools    Decision = "use_tools"
	DecisionDirectReply Decision = "direct_reply"
)

// TokenUsage is the token accounting reported by a provider
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelCallRecord describes one model invocation. EndedAt is zero until the
// call completes or fails; the record does not change after that.
type ModelCallRecord struct {
	CallID    string
	SessionID string
	Model     string
	StartedAt time.Time
	EndedAt   time.Time
	Decision  Decision
	ToolNames []string
	Usage     *TokenUsage
	ErrorKind chaterr.Kind
	Error     string
}

// Finalized reports whether the call has ended
func (r ModelCallRecord) Finalized() bool { return !r.EndedAt.IsZero() }

// Duration is zero for calls still in flight
func (r ModelCallRecord) Duration() time.Duration {
	if !r.Finalized() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ToolCallRecord describes one tool execution requested by a model call
type ToolCallRecord struct {
	CallID       string
	ParentCallID string
	SessionID    string
	RequestID    string
	ToolName     string
	Arguments    map[string]any
	StartedAt    time.Time
	EndedAt      time.Time
	ErrorKind    chaterr.Kind
	Error        string
}

// Finalized reports whether the tool call has ended
func (r ToolCallRecord) Finalized() bool { return !r.EndedAt.IsZero() }
