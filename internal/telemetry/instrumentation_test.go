package telemetry_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/telemetry"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func newInstrumentation(buf *syncBuffer, opts ...telemetry.Option) *telemetry.Instrumentation {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return telemetry.NewInstrumentation(append([]telemetry.Option{telemetry.WithLogger(logger)}, opts...)...)
}

func TestModelCallLifecycle(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	inst := newInstrumentation(&buf)
	ctx := context.Background()

	ctx, call := inst.StartModelCall(ctx, "s1", "deepseek", 2, 1)
	call.RequestSent("POST /chat/completions")
	call.ResponseReceived("200 OK")
	call.Decide(telemetry.DecisionUseTools, []string{"list_csv_files"})

	_, tool := inst.StartToolCall(ctx, "s1", call.ID(), "req-1", "list_csv_files", map[string]any{})
	tool.Result("sales.csv")
	call.Complete(&telemetry.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	// finalized records ignore later updates
	call.Fail(errors.New("late"))
	tool.Fail(errors.New("late"))

	models := inst.ModelCalls("s1")
	if len(models) != 1 {
		t.Fatalf("expected 1 model record, got %d", len(models))
	}
	m := models[0]
	if !m.Finalized() || m.Error != "" || m.Decision != telemetry.DecisionUseTools {
		t.Fatalf("unexpected model record: %+v", m)
	}
	if m.Usage == nil || m.Usage.TotalTokens != 15 {
		t.Fatalf("usage not recorded: %+v", m.Usage)
	}
	if !m.EndedAt.After(m.StartedAt) {
		t.Fatalf("ended_at must follow started_at: %+v", m)
	}

	tools := inst.ToolCalls("s1")
	if len(tools) != 1 || tools[0].ParentCallID != call.ID() || tools[0].Error != "" {
		t.Fatalf("unexpected tool records: %+v", tools)
	}

	var kinds []string
	for _, rec := range buf.records(t) {
		for _, field := range []string{"time", "level", "call_id", "session_id", "event_kind", "detail"} {
			if _, ok := rec[field]; !ok {
				t.Fatalf("log record missing %q: %v", field, rec)
			}
		}
		kinds = append(kinds, rec["event_kind"].(string))
	}
	want := []string{"call-start", "request-sent", "response-received", "tool-decision", "tool-start", "tool-result", "call-complete"}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
}

func TestToolResultDetailKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	inst := newInstrumentation(&buf)

	ctx, call := inst.StartModelCall(context.Background(), "s1", "kimi", 1, 1)
	_, tool := inst.StartToolCall(ctx, "s1", call.ID(), "req-1", "get_unique_values", map[string]any{})
	tool.Result(strings.Repeat("销售", 60))

	var detail string
	for _, rec := range buf.records(t) {
		if rec["event_kind"] == "tool-result" {
			detail = rec["detail"].(string)
		}
	}
	if !utf8.ValidString(detail) || strings.ContainsRune(detail, utf8.RuneError) {
		t.Fatalf("detail is not valid UTF-8: %q", detail)
	}
	if want := strings.Repeat("销售", 33) + "..."; detail != want {
		t.Fatalf("detail = %q, want %q", detail, want)
	}
}

func TestFailedCallRecordsKind(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	inst := newInstrumentation(&buf)

	_, call := inst.StartModelCall(context.Background(), "s1", "glm", 1, 0)
	call.Fail(chaterr.Credential("glm", "GLM_API_KEY"))

	m := inst.ModelCalls("s1")[0]
	if m.ErrorKind != chaterr.KindConfiguration || m.Error == "" {
		t.Fatalf("unexpected failed record: %+v", m)
	}
	recs := buf.records(t)
	last := recs[len(recs)-1]
	if last["event_kind"] != "call-error" || last["level"] != "ERROR" {
		t.Fatalf("expected call-error at ERROR, got %v", last)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	inst := newInstrumentation(&buf)

	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b"} {
		sid := sid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				_, call := inst.StartModelCall(context.Background(), sid, "m", n, 0)
				call.Decide(telemetry.DecisionDirectReply, nil)
				call.Complete(nil)
			}
		}()
	}
	wg.Wait()

	for _, sid := range []string{"a", "b"} {
		recs := inst.ModelCalls(sid)
		if len(recs) != 50 {
			t.Fatalf("session %s: %d records", sid, len(recs))
		}
		for _, r := range recs {
			if r.SessionID != sid || !r.Finalized() {
				t.Fatalf("session %s holds foreign or open record %+v", sid, r)
			}
		}
	}
}

func TestCallHistoryFromDatabase(t *testing.T) {
	t.Parallel()

	db, err := telemetry.InitDB(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer db.Close()

	var buf syncBuffer
	inst := newInstrumentation(&buf, telemetry.WithDB(db))

	for n := 0; n < 3; n++ {
		_, call := inst.StartModelCall(context.Background(), "s1", "kimi", n, 0)
		call.Decide(telemetry.DecisionDirectReply, nil)
		call.Complete(&telemetry.TokenUsage{TotalTokens: n + 1})
	}

	hist, err := inst.CallHistory(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("CallHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 records, got %d", len(hist))
	}
	if hist[0].Usage == nil || hist[0].Usage.TotalTokens != 3 {
		t.Fatalf("newest record should come first: %+v", hist[0])
	}
}
