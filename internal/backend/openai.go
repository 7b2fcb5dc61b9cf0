package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model         string               `json:"model"`
	Messages      []OpenAIMessage      `json:"messages"`
	Tools         []OpenAITool         `json:"tools,omitempty"`
	Temperature   float64              `json:"temperature"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *OpenAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIStreamOptions asks for a usage chunk at the end of a stream
type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAIMessage represents a message in the conversation
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is a function call; Index is only set in stream deltas
type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall carries JSON encoded arguments
type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OpenAITool represents a tool definition
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction describes a callable function
type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// OpenAIUsage reports token counts
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIResponse represents a non-streaming response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      OpenAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *OpenAIUsage `json:"usage"`
}

// OpenAIStreamChunk is one server-sent event payload
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []OpenAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *OpenAIUsage `json:"usage"`
}

// OpenAI speaks the chat completions protocol used by DeepSeek, GLM, Kimi
// and OpenAI itself, streaming text over server-sent events.
type OpenAI struct {
	httpClient *http.Client
}

// NewOpenAI creates the backend; a nil client uses http.DefaultClient
func NewOpenAI(client *http.Client) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{httpClient: client}
}

func (o *OpenAI) Name() string { return "openai" }

// Complete sends one chat completion request
func (o *OpenAI) Complete(ctx context.Context, req Request, emit EmitFunc) (Response, error) {
	const op = "openai chat completion"

	body := OpenAIRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req.System, req.Messages),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &OpenAIStreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, OpenAITool{
			Type:     "function",
			Function: OpenAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	headers := map[string]string{"accept": "text/event-stream"}
	if req.APIKey != "" {
		headers["authorization"] = "Bearer " + req.APIKey
	}
	resp, err := postJSON(ctx, o.httpClient, op, strings.TrimRight(req.BaseURL, "/")+"/chat/completions", body, headers)
	if err != nil {
		return Response{}, err
	}

	// Some compatible servers ignore stream and answer with plain JSON
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("content-type")); mt == "application/json" {
		return o.decodeResponse(op, resp, emit)
	}
	defer resp.Body.Close()
	return o.readStream(op, resp.Body, emit)
}

func (o *OpenAI) decodeResponse(op string, resp *http.Response, emit EmitFunc) (Response, error) {
	data, err := readBody(op, resp)
	if err != nil {
		return Response{}, err
	}
	var apiResp OpenAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return Response{}, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "failed to unmarshal response")
	}
	if len(apiResp.Choices) == 0 {
		return Response{}, chaterr.New(chaterr.KindMalformedResponse, op, "response has no choices")
	}

	choice := apiResp.Choices[0]
	out := Response{Content: choice.Message.Content, StopReason: choice.FinishReason, Usage: usageOf(apiResp.Usage)}
	for _, tc := range choice.Message.ToolCalls {
		args, err := decodeArguments(op, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return Response{}, err
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if out.Content != "" && emit != nil {
		if err := emit(out.Content); err != nil {
			return Response{}, err
		}
	}
	return out, nil
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func (o *OpenAI) readStream(op string, r io.Reader, emit EmitFunc) (Response, error) {
	var (
		out     Response
		content strings.Builder
		calls   = map[int]*toolCallBuilder{}
		done    bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			done = true
			break
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Response{}, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "invalid stream chunk")
		}
		if chunk.Usage != nil {
			out.Usage = usageOf(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if d := choice.Delta.Content; d != "" {
				content.WriteString(d)
				if emit != nil {
					if err := emit(d); err != nil {
						return Response{}, err
					}
				}
			}
			for n, tc := range choice.Delta.ToolCalls {
				idx := n
				if tc.Index != nil {
					idx = *tc.Index
				}
				b, ok := calls[idx]
				if !ok {
					b = &toolCallBuilder{}
					calls[idx] = b
				}
				if tc.ID != "" {
					b.id = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				b.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil {
				out.StopReason = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, chaterr.Wrapf(chaterr.KindTransport, op, err, "stream interrupted")
	}
	if !done && out.StopReason == "" {
		return Response{}, chaterr.New(chaterr.KindTransport, op, "stream ended before completion")
	}

	out.Content = content.String()
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		b := calls[idx]
		args, err := decodeArguments(op, b.name, b.args.String())
		if err != nil {
			return Response{}, err
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: b.id, Name: b.name, Arguments: args})
	}
	return out, nil
}

func toOpenAIMessages(system string, msgs []session.Message) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, OpenAIMessage{Role: "system", Content: system})
	}
	for _, m := range wireMessages(msgs) {
		wm := OpenAIMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, OpenAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: OpenAIFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, wm)
	}
	return out
}

func usageOf(u *OpenAIUsage) *telemetry.TokenUsage {
	if u == nil {
		return nil
	}
	return &telemetry.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
