package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
)

func sampleHistory(t *testing.T) []session.Message {
	t.Helper()
	call, err := session.NewToolCallMessage("", []session.ToolCall{
		{ID: "c1", Name: "list_csv_files", Arguments: map[string]any{}},
		{ID: "c2", Name: "load_csv_file", Arguments: map[string]any{"file_name": "a.csv"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	r1, _ := session.NewToolResultMessage("c1", "list_csv_files", "a.csv", false)
	r2, _ := session.NewToolResultMessage("c2", "load_csv_file", "error: ToolExecutionError: boom", true)
	return []session.Message{
		session.NewUserMessage("what files?"),
		session.NewErrorMessage(chaterr.KindTransport, "earlier failure"),
		call, r1, r2,
	}
}

func TestOpenAIStreamAssemblesToolCalls(t *testing.T) {
	var got OpenAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("authorization") != "Bearer secret" {
			t.Errorf("authorization = %q", r.Header.Get("authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("content-type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"check."}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"load_csv_file","arguments":"{\"file_"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"name\":\"a.csv\"}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"list_csv_files","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var streamed []string
	resp, err := NewOpenAI(srv.Client()).Complete(context.Background(), Request{
		Model:    "deepseek-chat",
		BaseURL:  srv.URL,
		APIKey:   "secret",
		System:   "be brief",
		Messages: sampleHistory(t),
		Tools:    []ToolDefinition{{Name: "list_csv_files", Parameters: map[string]any{"type": "object"}}},
	}, func(c string) error {
		streamed = append(streamed, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "Let me check." || strings.Join(streamed, "") != "Let me check." {
		t.Errorf("content = %q streamed = %q", resp.Content, streamed)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].ID != "call_1" || resp.ToolCalls[0].Arguments["file_name"] != "a.csv" {
		t.Errorf("first call = %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].Name != "list_csv_files" || len(resp.ToolCalls[1].Arguments) != 0 {
		t.Errorf("second call = %+v", resp.ToolCalls[1])
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// system prompt first, error diagnostics dropped
	if len(got.Messages) != 5 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("wire messages = %+v", got.Messages)
	}
	if got.Messages[2].ToolCalls[1].Function.Arguments != `{"file_name":"a.csv"}` {
		t.Errorf("arguments = %q", got.Messages[2].ToolCalls[1].Function.Arguments)
	}
	if got.Messages[4].ToolCallID != "c2" {
		t.Errorf("tool_call_id = %q", got.Messages[4].ToolCallID)
	}
	if !got.Stream || got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
		t.Error("expected streaming request with usage")
	}
}

func TestOpenAIPlainJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	resp, err := NewOpenAI(srv.Client()).Complete(context.Background(), Request{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello" || resp.StopReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAITruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"par\"}}]}\n\n")
	}))
	defer srv.Close()

	_, err := NewOpenAI(srv.Client()).Complete(context.Background(), Request{BaseURL: srv.URL}, nil)
	if !chaterr.Is(err, chaterr.KindTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestOpenAIBadArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"t","arguments":"{oops"}}]},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := NewOpenAI(srv.Client()).Complete(context.Background(), Request{BaseURL: srv.URL}, nil)
	if !chaterr.Is(err, chaterr.KindMalformedResponse) {
		t.Fatalf("err = %v, want MalformedResponseError", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   chaterr.Kind
	}{
		{http.StatusUnauthorized, chaterr.KindConfiguration},
		{http.StatusForbidden, chaterr.KindConfiguration},
		{http.StatusTooManyRequests, chaterr.KindTransport},
		{http.StatusBadGateway, chaterr.KindTransport},
		{http.StatusBadRequest, chaterr.KindMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			backends := []Backend{NewOpenAI(srv.Client()), NewAnthropic(srv.Client()), NewOllama(srv.Client())}
			for _, b := range backends {
				_, err := b.Complete(context.Background(), Request{BaseURL: srv.URL}, nil)
				if got := chaterr.KindOf(err); got != tt.want {
					t.Errorf("%s: kind = %s, want %s (%v)", b.Name(), got, tt.want, err)
				}
			}
		})
	}
}

func TestUnreachableIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOpenAI(nil).Complete(context.Background(), Request{BaseURL: url}, nil)
	if !chaterr.Is(err, chaterr.KindTransport) {
		t.Fatalf("err = %v", err)
	}
}

func TestAnthropicConversion(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("headers = %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"tu_1","name":"get_column_stats","input":{"column":"price"}}],"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":4}}`)
	}))
	defer srv.Close()

	resp, err := NewAnthropic(srv.Client()).Complete(context.Background(), Request{
		BaseURL:  srv.URL,
		APIKey:   "k",
		System:   "sys",
		Messages: sampleHistory(t),
	}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.System != "sys" || got.MaxTokens != 4096 {
		t.Errorf("system = %q max_tokens = %d", got.System, got.MaxTokens)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	results := got.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results not merged: %+v", results)
	}
	if results.Content[1].ToolUseID != "c2" || !results.Content[1].IsError {
		t.Errorf("second result = %+v", results.Content[1])
	}
	if got.Messages[1].Content[0].Type != "tool_use" {
		t.Errorf("assistant blocks = %+v", got.Messages[1].Content)
	}

	if resp.Content != "checking" || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["column"] != "price" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 24 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOllamaSynthesizesCallIDs(t *testing.T) {
	var got OllamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode: %v", err)
			}
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"list_csv_files","arguments":{}}},{"function":{"name":"load_csv_file","arguments":{"file_name":"b.csv"}}}]},"done":true,"prompt_eval_count":3,"eval_count":2}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":4661224676}]}`)
		}
	}))
	defer srv.Close()

	o := NewOllama(srv.Client())
	resp, err := o.Complete(context.Background(), Request{BaseURL: srv.URL, Messages: sampleHistory(t)}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 2 || resp.ToolCalls[0].ID == "" || resp.ToolCalls[0].ID == resp.ToolCalls[1].ID {
		t.Fatalf("calls = %+v", resp.ToolCalls)
	}
	if got.Stream {
		t.Error("expected non-streaming request")
	}
	if got.Messages[2].Role != "tool" || got.Messages[2].ToolName != "list_csv_files" {
		t.Errorf("tool message = %+v", got.Messages[2])
	}

	models, err := o.ListModels(context.Background(), srv.URL)
	if err != nil || len(models) != 1 || FormatSize(models[0].Size) != "4.3 GB" {
		t.Fatalf("models = %+v err = %v", models, err)
	}
}

func TestEmitErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	stop := fmt.Errorf("stop")
	_, err := NewOpenAI(srv.Client()).Complete(context.Background(), Request{BaseURL: srv.URL}, func(string) error { return stop })
	if err != stop {
		t.Fatalf("err = %v", err)
	}
}
