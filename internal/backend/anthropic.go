package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

const anthropicVersion = "2023-06-01"

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []AnthropicMessage `json:"messages"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

// AnthropicContent represents different content types (text, tool_use, tool_result)
type AnthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`          // For tool_use
	Name      string         `json:"name,omitempty"`        // For tool_use
	Input     map[string]any `json:"input,omitempty"`       // For tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"` // For tool_result
	Content   string         `json:"content,omitempty"`     // For tool_result
	IsError   bool           `json:"is_error,omitempty"`    // For tool_result
}

// AnthropicTool represents a tool definition
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicUsage reports token counts
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Content      []AnthropicContent `json:"content"`
	Model        string             `json:"model"`
	StopReason   string             `json:"stop_reason"`
	StopSequence string             `json:"stop_sequence"`
	Usage        *AnthropicUsage    `json:"usage"`
}

// Anthropic speaks the Messages API
type Anthropic struct {
	httpClient *http.Client
}

func NewAnthropic(client *http.Client) *Anthropic {
	if client == nil {
		client = http.DefaultClient
	}
	return &Anthropic{httpClient: client}
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete sends one Messages API request. Text is emitted in one piece
// once the response has been decoded.
func (a *Anthropic) Complete(ctx context.Context, req Request, emit EmitFunc) (Response, error) {
	const op = "anthropic messages"

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := AnthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    toAnthropicMessages(req.Messages),
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, AnthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	headers := map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	}
	resp, err := postJSON(ctx, a.httpClient, op, strings.TrimRight(req.BaseURL, "/")+"/messages", body, headers)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(op, resp)
	if err != nil {
		return Response{}, err
	}

	var apiResp AnthropicResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return Response{}, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "failed to unmarshal response")
	}

	out := Response{StopReason: apiResp.StopReason}
	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	if apiResp.Usage != nil {
		out.Usage = &telemetry.TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		}
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return Response{}, chaterr.New(chaterr.KindMalformedResponse, op, "response has no content")
	}
	if out.Content != "" && emit != nil {
		if err := emit(out.Content); err != nil {
			return Response{}, err
		}
	}
	return out, nil
}

// toAnthropicMessages folds tool results into user turns; consecutive
// results share one user message.
func toAnthropicMessages(msgs []session.Message) []AnthropicMessage {
	var out []AnthropicMessage
	for _, m := range wireMessages(msgs) {
		switch m.Role {
		case session.RoleUser:
			out = append(out, AnthropicMessage{Role: "user", Content: []AnthropicContent{{Type: "text", Text: m.Content}}})
		case session.RoleAssistant:
			var blocks []AnthropicContent
			if m.Content != "" {
				blocks = append(blocks, AnthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, AnthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, AnthropicMessage{Role: "assistant", Content: blocks})
		case session.RoleTool:
			block := AnthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: m.IsError}
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, AnthropicMessage{Role: "user", Content: []AnthropicContent{block}})
		}
	}
	return out
}
