package gateway_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ToolChat/internal/backend"
	"ToolChat/internal/backend/backendtest"
	"ToolChat/internal/chaterr"
	"ToolChat/internal/config"
	"ToolChat/internal/gateway"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
)

var testModels = map[string]config.Model{
	"deepseek": {Provider: config.ProviderOpenAI, Name: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY"},
	"claude":   {Provider: config.ProviderAnthropic, Name: "claude-sonnet", APIKeyEnv: "ANTHROPIC_API_KEY", APIKey: "from-file"},
	"ollama":   {Provider: config.ProviderOllama, Name: "llama3"},
}

func quietInstrumentation() *telemetry.Instrumentation {
	return telemetry.NewInstrumentation(telemetry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newGateway(t *testing.T, b backend.Backend, opts ...gateway.Option) (*gateway.Gateway, *telemetry.Instrumentation) {
	t.Helper()
	inst := quietInstrumentation()
	base := []gateway.Option{
		gateway.WithBackend(config.ProviderOpenAI, b),
		gateway.WithBackend(config.ProviderAnthropic, b),
		gateway.WithBackend(config.ProviderOllama, b),
		gateway.WithGetenv(env(map[string]string{"DEEPSEEK_API_KEY": "sk-test"})),
	}
	g, err := gateway.New(testModels, "deepseek", inst, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, inst
}

var listFiles = tools.Spec{Name: "list_csv_files", Description: "List CSV files"}

func TestInvokeFinalAnswerStreamsChunks(t *testing.T) {
	t.Parallel()

	b := backendtest.New(backendtest.Step{
		Response: backend.Response{Content: "Hello there"},
		Chunks:   []string{"Hello", " there"},
	})
	g, inst := newGateway(t, b)

	s := g.Invoke(context.Background(), gateway.Request{
		SessionID:    "s1",
		Messages:     []session.Message{session.NewUserMessage("hi")},
		Tools:        []tools.Spec{listFiles},
		SystemPrompt: "sys",
	})
	var chunks []string
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}
	res, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	final, ok := res.(gateway.FinalAnswer)
	if !ok || final.Text != "Hello there" {
		t.Fatalf("result = %#v", res)
	}
	if strings.Join(chunks, "|") != "Hello| there" {
		t.Errorf("chunks = %q", chunks)
	}

	req := b.Requests()[0]
	if req.Model != "deepseek-chat" || req.APIKey != "sk-test" || req.System != "sys" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Parameters["type"] != "object" {
		t.Errorf("tools = %+v", req.Tools)
	}

	recs := inst.ModelCalls("s1")
	if len(recs) != 1 || recs[0].Decision != telemetry.DecisionDirectReply || !recs[0].Finalized() {
		t.Fatalf("records = %+v", recs)
	}
}

func TestInvokeToolRequest(t *testing.T) {
	t.Parallel()

	b := backendtest.New(backendtest.Tools(backendtest.Call("t1", "list_csv_files", nil)))
	g, inst := newGateway(t, b)

	res, err := g.Invoke(context.Background(), gateway.Request{SessionID: "s1", Tools: []tools.Spec{listFiles}}).Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	tr, ok := res.(gateway.ToolRequest)
	if !ok || len(tr.Calls) != 1 || tr.Calls[0].ID != "t1" {
		t.Fatalf("result = %#v", res)
	}
	recs := inst.ModelCalls("s1")
	if recs[0].Decision != telemetry.DecisionUseTools || recs[0].ToolNames[0] != "list_csv_files" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestInvokeRejectsMalformedCalls(t *testing.T) {
	t.Parallel()

	tests := map[string][]session.ToolCall{
		"undeclared":   {backendtest.Call("t1", "rm_rf", nil)},
		"empty id":     {backendtest.Call("", "list_csv_files", nil)},
		"duplicate id": {backendtest.Call("t1", "list_csv_files", nil), backendtest.Call("t1", "list_csv_files", nil)},
	}
	for name, calls := range tests {
		t.Run(name, func(t *testing.T) {
			g, inst := newGateway(t, backendtest.New(backendtest.Tools(calls...)))
			_, err := g.Invoke(context.Background(), gateway.Request{SessionID: "s", Tools: []tools.Spec{listFiles}}).Wait()
			if !chaterr.Is(err, chaterr.KindMalformedResponse) {
				t.Fatalf("err = %v", err)
			}
			if rec := inst.ModelCalls("s")[0]; rec.ErrorKind != chaterr.KindMalformedResponse {
				t.Errorf("record = %+v", rec)
			}
		})
	}
}

func TestCredentialResolution(t *testing.T) {
	t.Parallel()

	b := backendtest.New(backendtest.Text("a"), backendtest.Text("b"), backendtest.Text("c"))
	g, _ := newGateway(t, b, gateway.WithGetenv(env(map[string]string{"ANTHROPIC_API_KEY": "from-env"})))

	_, err := g.Invoke(context.Background(), gateway.Request{Model: "deepseek"}).Wait()
	if !errors.Is(err, chaterr.ErrCredential) || !chaterr.Is(err, chaterr.KindConfiguration) {
		t.Fatalf("deepseek err = %v", err)
	}
	if len(b.Requests()) != 0 {
		t.Fatal("backend called without a credential")
	}

	if _, err := g.Invoke(context.Background(), gateway.Request{Model: "claude"}).Wait(); err != nil {
		t.Fatalf("claude: %v", err)
	}
	if got := b.Requests()[0].APIKey; got != "from-env" {
		t.Errorf("env should win over file key, got %q", got)
	}

	if _, err := g.Invoke(context.Background(), gateway.Request{Model: "ollama"}).Wait(); err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
}

func TestInvokeTimeoutIsTransport(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	g, _ := newGateway(t, backendtest.New(backendtest.Step{Block: block}), gateway.WithTimeout(20*time.Millisecond))

	_, err := g.Invoke(context.Background(), gateway.Request{}).Wait()
	if !chaterr.Is(err, chaterr.KindTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestInvokeCancelled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	g, _ := newGateway(t, backendtest.New(backendtest.Step{Block: block}))

	ctx, cancel := context.WithCancel(context.Background())
	s := g.Invoke(ctx, gateway.Request{})
	cancel()
	_, err := s.Wait()
	if !chaterr.Is(err, chaterr.KindCancelled) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
}

func TestUntypedBackendErrorIsTransport(t *testing.T) {
	t.Parallel()

	g, _ := newGateway(t, backendtest.New(backendtest.Fail(errors.New("connection reset"))))
	_, err := g.Invoke(context.Background(), gateway.Request{}).Wait()
	if !chaterr.Retryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestSwitch(t *testing.T) {
	t.Parallel()

	b := backendtest.New(backendtest.Text("x"))
	g, _ := newGateway(t, b)

	if err := g.Switch(context.Background(), "s1", "gpt-9"); !chaterr.Is(err, chaterr.KindUnknownModel) {
		t.Fatalf("err = %v", err)
	}
	if g.Current() != "deepseek" {
		t.Fatalf("current changed on failed switch: %s", g.Current())
	}
	if err := g.Switch(context.Background(), "s1", "ollama"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Invoke(context.Background(), gateway.Request{}).Wait(); err != nil {
		t.Fatal(err)
	}
	if got := b.Requests()[0].Model; got != "llama3" {
		t.Errorf("model = %q", got)
	}
	if got := strings.Join(g.Models(), ","); got != "claude,deepseek,ollama" {
		t.Errorf("models = %s", got)
	}
}

func TestUnknownDefaultModel(t *testing.T) {
	t.Parallel()

	_, err := gateway.New(testModels, "nope", nil)
	if !chaterr.Is(err, chaterr.KindUnknownModel) {
		t.Fatalf("err = %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	models := map[string]config.Model{
		"local": {Provider: config.ProviderOllama, Name: "llama3", RequestsPerSecond: 20},
	}
	b := backendtest.New(backendtest.Text("1"), backendtest.Text("2"), backendtest.Text("3"))
	g, err := gateway.New(models, "local", quietInstrumentation(), gateway.WithBackend(config.ProviderOllama, b))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := g.Invoke(context.Background(), gateway.Request{}).Wait(); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three calls at 20/s took %s", elapsed)
	}
}
