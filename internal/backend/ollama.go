package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Tools    []OpenAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  *OllamaOptions  `json:"options,omitempty"`
}

// OllamaOptions are model parameters
type OllamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// OllamaMessage represents a chat message
type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// OllamaToolCall carries decoded arguments; Ollama does not assign ids
type OllamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama talks to a local Ollama server
type Ollama struct {
	httpClient *http.Client
	newID      func() string
}

func NewOllama(client *http.Client) *Ollama {
	if client == nil {
		client = http.DefaultClient
	}
	return &Ollama{httpClient: client, newID: func() string { return "call_" + uuid.NewString() }}
}

func (o *Ollama) Name() string { return "ollama" }

// Complete sends a non-streaming /api/chat request
func (o *Ollama) Complete(ctx context.Context, req Request, emit EmitFunc) (Response, error) {
	const op = "ollama chat"

	body := OllamaRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.System, req.Messages),
		Stream:   false,
		Options:  &OllamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, OpenAITool{
			Type:     "function",
			Function: OpenAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	resp, err := postJSON(ctx, o.httpClient, op, strings.TrimRight(req.BaseURL, "/")+"/api/chat", body, nil)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(op, resp)
	if err != nil {
		return Response{}, err
	}

	var apiResp OllamaResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return Response{}, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "failed to unmarshal response")
	}

	out := Response{
		Content:    apiResp.Message.Content,
		StopReason: apiResp.DoneReason,
		Usage: &telemetry.TokenUsage{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
	}
	for _, tc := range apiResp.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: o.newID(), Name: tc.Function.Name, Arguments: args})
	}
	if out.Content != "" && emit != nil {
		if err := emit(out.Content); err != nil {
			return Response{}, err
		}
	}
	return out, nil
}

// ListModels fetches locally installed models from /api/tags
func (o *Ollama) ListModels(ctx context.Context, baseURL string) ([]OllamaModel, error) {
	const op = "ollama list models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindConfiguration, op, err, "failed to create request")
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindTransport, op, err, "failed to connect to Ollama at %s", baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(op, resp.StatusCode, nil)
	}
	data, err := readBody(op, resp)
	if err != nil {
		return nil, err
	}

	var tags OllamaTagsResponse
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "failed to parse tags")
	}
	return tags.Models, nil
}

func toOllamaMessages(system string, msgs []session.Message) []OllamaMessage {
	out := make([]OllamaMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, OllamaMessage{Role: "system", Content: system})
	}
	for _, m := range wireMessages(msgs) {
		wm := OllamaMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == session.RoleTool {
			wm.ToolName = m.Name
		}
		for _, tc := range m.ToolCalls {
			var call OllamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		out = append(out, wm)
	}
	return out
}

// FormatSize renders a model size the way `ollama list` does
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
