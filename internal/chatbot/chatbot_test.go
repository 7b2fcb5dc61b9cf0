package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ToolChat/internal/backend"
	"ToolChat/internal/backend/backendtest"
	"ToolChat/internal/chaterr"
	"ToolChat/internal/config"
	"ToolChat/internal/gateway"
	"ToolChat/internal/orchestrator"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
	"ToolChat/internal/tools/csvtools"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	bot    *ChatBot
	out    *bytes.Buffer
	remote *backendtest.Scripted
}

func newFixture(t *testing.T, ollamaURL string) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "sales.csv"), []byte("region,units\nnorth,1\nsouth,2\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	files, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	remote := backendtest.New()
	inst := telemetry.NewInstrumentation(telemetry.WithLogger(quiet))
	models := map[string]config.Model{
		"deepseek": {Provider: config.ProviderOpenAI, Name: "deepseek-chat", APIKey: "sk-test"},
		"local":    {Provider: config.ProviderOllama, Name: "llama3", BaseURL: ollamaURL},
	}
	gw, err := gateway.New(models, "deepseek", inst,
		gateway.WithBackend(config.ProviderOpenAI, remote),
		gateway.WithGetenv(func(string) string { return "" }),
		gateway.WithLogger(quiet),
	)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	reg := tools.NewRegistry()
	if err := csvtools.Register(reg, dataDir); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := tools.NewExecutor(reg, inst, tools.WithLogger(quiet))
	store := session.NewStore(files, session.WithLogger(quiet))
	orch := orchestrator.New(store, gw, exec, reg, inst, orchestrator.Options{}, orchestrator.WithLogger(quiet))

	out := &bytes.Buffer{}
	bot := New(Components{Orchestrator: orch, Gateway: gw, Inst: inst, Logger: quiet}, strings.NewReader(""), out)
	bot.sessionID = orch.NewSession()
	bot.turnContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
	return &fixture{bot: bot, out: out, remote: remote}
}

func (f *fixture) run(t *testing.T, lines ...string) string {
	t.Helper()
	f.out.Reset()
	f.bot.in = strings.NewReader(strings.Join(lines, "\n") + "\n")
	if err := f.bot.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return f.out.String()
}

func TestRunToolTurn(t *testing.T) {
	f := newFixture(t, "")
	f.remote.Push(
		backendtest.Tools(backendtest.Call("c1", "list_csv_files", nil)),
		backendtest.Text("There is one file, sales.csv."),
	)

	out := f.run(t, "what files do I have?", "/history", "/quit")

	for _, want := range []string{
		"=== ToolChat ===",
		"Bot: There is one file, sales.csv.",
		"-> list_csv_files",
		"list_csv_files [ok]",
		"Goodbye!",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunShowsFailedTurn(t *testing.T) {
	f := newFixture(t, "")
	f.remote.Push(backendtest.Fail(chaterr.New(chaterr.KindMalformedResponse, "openai", "no choices")))

	out := f.run(t, "hello")

	if !strings.Contains(out, "Bot: [MalformedResponseError] openai: no choices") {
		t.Errorf("failure not shown:\n%s", out)
	}
	history, _ := f.bot.orch.History(f.bot.sessionID)
	if len(history) != 2 || !history[1].IsError {
		t.Errorf("history = %+v, want user message and error message", history)
	}
}

func TestInterruptCancelsTurn(t *testing.T) {
	f := newFixture(t, "")
	f.remote.Push(backendtest.Step{Block: make(chan struct{})})
	f.bot.turnContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, 20*time.Millisecond)
	}

	out := f.run(t, "hello")

	if !strings.Contains(out, "[Cancelled]") {
		t.Errorf("cancellation not shown:\n%s", out)
	}
	if f.bot.orch.Busy(f.bot.sessionID) {
		t.Error("session still busy after cancelled turn")
	}
}

func TestModelCommands(t *testing.T) {
	f := newFixture(t, "")

	out := f.run(t, "/models", "/switch local", "/models", "/switch gpt-9")

	if !strings.Contains(out, "1. deepseek - openai deepseek-chat (current)") {
		t.Errorf("first listing does not mark deepseek:\n%s", out)
	}
	if !strings.Contains(out, "Switched to local") || !strings.Contains(out, "2. local - ollama llama3 (current)") {
		t.Errorf("switch not reflected:\n%s", out)
	}
	if !strings.Contains(out, "Error: unknown model gpt-9, available: deepseek, local") {
		t.Errorf("unknown model not reported:\n%s", out)
	}
	if model, _ := f.bot.orch.ActiveModel(f.bot.sessionID); model != "local" {
		t.Errorf("active model = %q, want local", model)
	}
}

func TestSessionCommands(t *testing.T) {
	f := newFixture(t, "")
	f.remote.Push(backendtest.Text("hi there"))
	first := f.bot.sessionID

	out := f.run(t, "hello", "/save", "/new-session", "/sessions", "/load "+first, "/clear", "/history")

	if f.bot.sessionID != first {
		t.Fatalf("session = %s, want %s after /load", f.bot.sessionID, first)
	}
	for _, want := range []string{
		"Saved session: " + first,
		"Started new session:",
		first,
		"Loaded session " + first + " (2 messages, model deepseek)",
		"History cleared.",
		"History is empty.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestToolAndCallCommands(t *testing.T) {
	f := newFixture(t, "")
	f.remote.Push(backendtest.Text("ok"))

	out := f.run(t, "/tools", "/mcp-servers", "ping", "/calls 5", "/bogus", "/help")

	for _, want := range []string{
		"1. list_csv_files (local)",
		"get_unique_values (local)",
		"No MCP servers connected.",
		"deepseek",
		"direct_reply",
		"15 tokens",
		"Error: unknown command /bogus",
		"/ollama-models",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOllamaModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(backend.OllamaTagsResponse{Models: []backend.OllamaModel{
			{Name: "llama3:latest", Size: 4_661_224_676},
			{Name: "qwen2:0.5b", Size: 352_164_041},
		}})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	out := f.run(t, "/ollama-models")

	if !strings.Contains(out, "1. llama3:latest - 4.3 GB") || !strings.Contains(out, "2. qwen2:0.5b") {
		t.Errorf("unexpected listing:\n%s", out)
	}
}
