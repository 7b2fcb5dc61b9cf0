// Package backend talks to model providers. Each backend converts the
// session message model to a provider wire format and back.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// ToolDefinition is a tool as advertised to a provider
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Request is one provider call
type Request struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	System      string
	Messages    []session.Message
	Tools       []ToolDefinition
}

// Response is a provider answer: text, tool calls, or both
type Response struct {
	Content    string
	ToolCalls  []session.ToolCall
	Usage      *telemetry.TokenUsage
	StopReason string
}

// EmitFunc receives text chunks as they arrive. A non-nil error aborts the
// call.
type EmitFunc func(chunk string) error

// Backend performs chat completions against one provider protocol
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request, emit EmitFunc) (Response, error)
}

// wireMessages drops turn diagnostics and system messages; the system
// prompt travels separately.
func wireMessages(msgs []session.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem || (m.Role == session.RoleAssistant && m.IsError) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, op, url string, body any, headers map[string]string) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindConfiguration, op, err, "failed to create request")
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindTransport, op, err, "failed to send request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(op, resp.StatusCode, body)
	}
	return resp, nil
}

// statusError maps a non-200 provider status to an error kind
func statusError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("API error: %d %s - %s", status, http.StatusText(status), bytes.TrimSpace(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chaterr.Wrapf(chaterr.KindConfiguration, op, chaterr.ErrCredential, "%s", msg)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return chaterr.New(chaterr.KindTransport, op, "%s", msg)
	default:
		return chaterr.New(chaterr.KindMalformedResponse, op, "%s", msg)
	}
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chaterr.Wrapf(chaterr.KindTransport, op, err, "failed to read response")
	}
	return body, nil
}

// decodeArguments parses a JSON encoded argument object; an empty string is
// an empty object.
func decodeArguments(op, tool, raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, chaterr.Wrapf(chaterr.KindMalformedResponse, op, err, "tool %q arguments are not a JSON object", tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
