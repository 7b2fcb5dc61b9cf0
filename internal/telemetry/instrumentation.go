package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"ToolChat/internal/chaterr"
)

// Instrumentation records model and tool calls per session and emits the
// matching log events, spans and metrics.
type Instrumentation struct {
	logger *slog.Logger
	tracer trace.Tracer
	db     *sql.DB
	newID  func() string
	now    func() time.Time

	modelCalls metric.Int64Counter
	toolCalls  metric.Int64Counter
	duration   metric.Float64Histogram
	tokens     metric.Int64Counter

	mu      sync.Mutex
	ledgers map[string]*ledger
}

// ledger serializes the records of one session
type ledger struct {
	mu     sync.Mutex
	models []ModelCallRecord
	tools  []ToolCallRecord
}

// Option configures Instrumentation
type Option func(*Instrumentation)

func WithLogger(l *slog.Logger) Option {
	return func(i *Instrumentation) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(i *Instrumentation) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithMeter is applied before instruments are created
func WithMeter(m metric.Meter) Option {
	return func(i *Instrumentation) {
		if m != nil {
			i.createInstruments(m)
		}
	}
}

// WithDB persists finalized records to the model_calls and tool_calls tables
func WithDB(db *sql.DB) Option {
	return func(i *Instrumentation) { i.db = db }
}

func WithClock(now func() time.Time) Option {
	return func(i *Instrumentation) {
		if now != nil {
			i.now = now
		}
	}
}

// NewInstrumentation creates an Instrumentation. Without options it logs to
// the default logger and uses no-op tracing and metrics.
func NewInstrumentation(opts ...Option) *Instrumentation {
	i := &Instrumentation{
		logger:  slog.Default(),
		tracer:  tracenoop.NewTracerProvider().Tracer(serviceName),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		ledgers: make(map[string]*ledger),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.modelCalls == nil {
		i.createInstruments(metricnoop.NewMeterProvider().Meter(serviceName))
	}
	return i
}

func (i *Instrumentation) createInstruments(m metric.Meter) {
	var err error
	if i.modelCalls, err = m.Int64Counter("toolchat.model.calls",
		metric.WithDescription("Model invocations by model and decision")); err != nil {
		i.modelCalls, _ = metricnoop.Meter{}.Int64Counter("toolchat.model.calls")
	}
	if i.toolCalls, err = m.Int64Counter("toolchat.tool.calls",
		metric.WithDescription("Tool executions by tool and outcome")); err != nil {
		i.toolCalls, _ = metricnoop.Meter{}.Int64Counter("toolchat.tool.calls")
	}
	if i.duration, err = m.Float64Histogram("toolchat.call.duration",
		metric.WithDescription("Model and tool call duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		i.duration, _ = metricnoop.Meter{}.Float64Histogram("toolchat.call.duration")
	}
	if i.tokens, err = m.Int64Counter("toolchat.model.tokens",
		metric.WithDescription("Tokens reported by providers")); err != nil {
		i.tokens, _ = metricnoop.Meter{}.Int64Counter("toolchat.model.tokens")
	}
}

func (i *Instrumentation) ledger(sessionID string) *ledger {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.ledgers[sessionID]
	if !ok {
		l = &ledger{}
		i.ledgers[sessionID] = l
	}
	return l
}

func (i *Instrumentation) event(ctx context.Context, level slog.Level, kind EventKind, callID, sessionID, detail string) {
	i.logger.LogAttrs(ctx, level, "call event",
		slog.String("call_id", callID),
		slog.String("session_id", sessionID),
		slog.String("event_kind", string(kind)),
		slog.String("detail", detail),
	)
}

// ModelCall tracks one in-flight model invocation
type ModelCall struct {
	inst   *Instrumentation
	ledger *ledger
	idx    int
	id     string
	sess   string
	model  string
	span   trace.Span
	ctx    context.Context
}

// StartModelCall appends a new record for the session and emits call-start
func (i *Instrumentation) StartModelCall(ctx context.Context, sessionID, model string, messages, tools int) (context.Context, *ModelCall) {
	id := i.newID()
	ctx, span := i.tracer.Start(ctx, "model_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolchat.call_id", id),
			attribute.String("toolchat.session_id", sessionID),
			attribute.String("toolchat.model", model),
			attribute.Int("toolchat.messages", messages),
			attribute.Int("toolchat.tools", tools),
		),
	)

	l := i.ledger(sessionID)
	l.mu.Lock()
	l.models = append(l.models, ModelCallRecord{
		CallID:    id,
		SessionID: sessionID,
		Model:     model,
		StartedAt: i.now(),
	})
	idx := len(l.models) - 1
	l.mu.Unlock()

	i.event(ctx, slog.LevelInfo, EventCallStart, id, sessionID,
		fmt.Sprintf("model=%s messages=%d tools=%d", model, messages, tools))

	return ctx, &ModelCall{inst: i, ledger: l, idx: idx, id: id, sess: sessionID, model: model, span: span, ctx: ctx}
}

// ID returns the call id
func (c *ModelCall) ID() string { return c.id }

// RequestSent records that the provider request left the process
func (c *ModelCall) RequestSent(detail string) {
	c.inst.event(c.ctx, slog.LevelDebug, EventRequestSent, c.id, c.sess, detail)
}

// ResponseReceived records that the provider answered
func (c *ModelCall) ResponseReceived(detail string) {
	c.inst.event(c.ctx, slog.LevelDebug, EventResponseReceived, c.id, c.sess, detail)
}

// Decide records whether the model asked for tools
func (c *ModelCall) Decide(d Decision, toolNames []string) {
	c.ledger.mu.Lock()
	rec := &c.ledger.models[c.idx]
	if !rec.Finalized() {
		rec.Decision = d
		rec.ToolNames = append([]string(nil), toolNames...)
	}
	c.ledger.mu.Unlock()

	detail := string(d)
	if len(toolNames) > 0 {
		detail += ": " + strings.Join(toolNames, ",")
	}
	c.inst.event(c.ctx, slog.LevelInfo, EventToolDecision, c.id, c.sess, detail)
	c.span.SetAttributes(attribute.String("toolchat.decision", string(d)))
}

// Complete finalizes the record successfully
func (c *ModelCall) Complete(usage *TokenUsage) {
	rec, ok := c.finalize(func(r *ModelCallRecord) {
		if usage != nil {
			u := *usage
			r.Usage = &u
		}
	})
	if !ok {
		return
	}

	detail := "completed"
	if usage != nil {
		detail = fmt.Sprintf("prompt_tokens=%d completion_tokens=%d total_tokens=%d",
			usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		c.inst.tokens.Add(c.ctx, int64(usage.TotalTokens), metric.WithAttributes(attribute.String("model", c.model)))
	}
	c.inst.event(c.ctx, slog.LevelInfo, EventCallComplete, c.id, c.sess, detail)
	c.inst.modelCalls.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("model", c.model),
		attribute.String("decision", string(rec.Decision)),
	))
	c.end(rec.Duration(), nil)
	c.inst.persistModelCall(c.ctx, rec)
}

// Fail finalizes the record with an error
func (c *ModelCall) Fail(err error) {
	if err == nil {
		c.Complete(nil)
		return
	}
	kind := chaterr.KindOf(err)
	rec, ok := c.finalize(func(r *ModelCallRecord) {
		r.ErrorKind = kind
		r.Error = err.Error()
	})
	if !ok {
		return
	}

	c.inst.event(c.ctx, slog.LevelError, EventCallError, c.id, c.sess, err.Error())
	c.inst.modelCalls.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("model", c.model),
		attribute.String("decision", "error"),
	))
	c.end(rec.Duration(), err)
	c.inst.persistModelCall(c.ctx, rec)
}

func (c *ModelCall) finalize(apply func(*ModelCallRecord)) (ModelCallRecord, bool) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	rec := &c.ledger.models[c.idx]
	if rec.Finalized() {
		return ModelCallRecord{}, false
	}
	apply(rec)
	rec.EndedAt = c.inst.now()
	if !rec.EndedAt.After(rec.StartedAt) {
		rec.EndedAt = rec.StartedAt.Add(time.Nanosecond)
	}
	return cloneModelRecord(*rec), true
}

func (c *ModelCall) end(d time.Duration, err error) {
	c.inst.duration.Record(c.ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("kind", "model"), attribute.String("name", c.model)))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
}

// ToolCall tracks one in-flight tool execution
type ToolCall struct {
	inst   *Instrumentation
	ledger *ledger
	idx    int
	id     string
	sess   string
	tool   string
	span   trace.Span
	ctx    context.Context
}

// StartToolCall appends a tool record under the model call that requested it
// and emits tool-start
func (i *Instrumentation) StartToolCall(ctx context.Context, sessionID, parentCallID, requestID, toolName string, args map[string]any) (context.Context, *ToolCall) {
	id := i.newID()
	ctx, span := i.tracer.Start(ctx, "tool_call",
		trace.WithAttributes(
			attribute.String("toolchat.call_id", id),
			attribute.String("toolchat.parent_call_id", parentCallID),
			attribute.String("toolchat.session_id", sessionID),
			attribute.String("toolchat.tool", toolName),
		),
	)

	l := i.ledger(sessionID)
	l.mu.Lock()
	l.tools = append(l.tools, ToolCallRecord{
		CallID:       id,
		ParentCallID: parentCallID,
		SessionID:    sessionID,
		RequestID:    requestID,
		ToolName:     toolName,
		Arguments:    args,
		StartedAt:    i.now(),
	})
	idx := len(l.tools) - 1
	l.mu.Unlock()

	argJSON, _ := json.Marshal(args)
	i.event(ctx, slog.LevelInfo, EventToolStart, id, sessionID, fmt.Sprintf("tool=%s args=%s", toolName, argJSON))

	return ctx, &ToolCall{inst: i, ledger: l, idx: idx, id: id, sess: sessionID, tool: toolName, span: span, ctx: ctx}
}

// ID returns the tool call id
func (c *ToolCall) ID() string { return c.id }

// Result finalizes the record successfully
func (c *ToolCall) Result(summary string) {
	rec, ok := c.finalize(nil)
	if !ok {
		return
	}
	c.inst.event(c.ctx, slog.LevelInfo, EventToolResult, c.id, c.sess, truncate(summary, 200))
	c.inst.toolCalls.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("tool", c.tool), attribute.String("outcome", "ok")))
	c.end(rec, nil)
}

// Fail finalizes the record with an error
func (c *ToolCall) Fail(err error) {
	if err == nil {
		c.Result("")
		return
	}
	kind := chaterr.KindOf(err)
	rec, ok := c.finalize(func(r *ToolCallRecord) {
		r.ErrorKind = kind
		r.Error = err.Error()
	})
	if !ok {
		return
	}
	c.inst.event(c.ctx, slog.LevelWarn, EventToolError, c.id, c.sess, err.Error())
	c.inst.toolCalls.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("tool", c.tool), attribute.String("outcome", string(kind))))
	c.end(rec, err)
}

func (c *ToolCall) finalize(apply func(*ToolCallRecord)) (ToolCallRecord, bool) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	rec := &c.ledger.tools[c.idx]
	if rec.Finalized() {
		return ToolCallRecord{}, false
	}
	if apply != nil {
		apply(rec)
	}
	rec.EndedAt = c.inst.now()
	if !rec.EndedAt.After(rec.StartedAt) {
		rec.EndedAt = rec.StartedAt.Add(time.Nanosecond)
	}
	return *rec, true
}

func (c *ToolCall) end(rec ToolCallRecord, err error) {
	c.inst.duration.Record(c.ctx, float64(rec.EndedAt.Sub(rec.StartedAt).Microseconds())/1000,
		metric.WithAttributes(attribute.String("kind", "tool"), attribute.String("name", c.tool)))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.inst.persistToolCall(c.ctx, rec)
}

// ModelSwitch logs a change of active model
func (i *Instrumentation) ModelSwitch(ctx context.Context, sessionID, from, to string) {
	i.event(ctx, slog.LevelInfo, EventModelSwitch, "", sessionID, fmt.Sprintf("%s -> %s", from, to))
}

// ModelCalls returns the session's model call records in start order
func (i *Instrumentation) ModelCalls(sessionID string) []ModelCallRecord {
	l := i.ledger(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ModelCallRecord, len(l.models))
	for n, r := range l.models {
		out[n] = cloneModelRecord(r)
	}
	return out
}

// ToolCalls returns the session's tool call records in start order
func (i *Instrumentation) ToolCalls(sessionID string) []ToolCallRecord {
	l := i.ledger(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ToolCallRecord(nil), l.tools...)
}

// Forget drops the in-memory records of a session
func (i *Instrumentation) Forget(sessionID string) {
	i.mu.Lock()
	delete(i.ledgers, sessionID)
	i.mu.Unlock()
}

// CallHistory returns up to limit of the most recent model calls of a
// session, newest first, from the database when one is configured.
func (i *Instrumentation) CallHistory(ctx context.Context, sessionID string, limit int) ([]ModelCallRecord, error) {
	if i.db == nil {
		recs := i.ModelCalls(sessionID)
		out := make([]ModelCallRecord, 0, len(recs))
		for n := len(recs) - 1; n >= 0 && (limit <= 0 || len(out) < limit); n-- {
			out = append(out, recs[n])
		}
		return out, nil
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := i.db.QueryContext(ctx, `SELECT call_id, model, started_at, ended_at, decision, tool_names,
		prompt_tokens, completion_tokens, total_tokens, error_kind, error
		FROM model_calls WHERE session_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	var out []ModelCallRecord
	for rows.Next() {
		var (
			r                       = ModelCallRecord{SessionID: sessionID}
			started, ended          string
			decision, names         sql.NullString
			prompt, completion, tot sql.NullInt64
			kind, msg               sql.NullString
		)
		if err := rows.Scan(&r.CallID, &r.Model, &started, &ended, &decision, &names,
			&prompt, &completion, &tot, &kind, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		r.EndedAt, _ = time.Parse(timeLayout, ended)
		r.Decision = Decision(decision.String)
		if names.String != "" {
			r.ToolNames = strings.Split(names.String, ",")
		}
		if tot.Valid {
			r.Usage = &TokenUsage{
				PromptTokens:     int(prompt.Int64),
				CompletionTokens: int(completion.Int64),
				TotalTokens:      int(tot.Int64),
			}
		}
		r.ErrorKind = chaterr.Kind(kind.String)
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (i *Instrumentation) persistModelCall(ctx context.Context, r ModelCallRecord) {
	if i.db == nil {
		return
	}
	var prompt, completion, total sql.NullInt64
	if r.Usage != nil {
		prompt = sql.NullInt64{Int64: int64(r.Usage.PromptTokens), Valid: true}
		completion = sql.NullInt64{Int64: int64(r.Usage.CompletionTokens), Valid: true}
		total = sql.NullInt64{Int64: int64(r.Usage.TotalTokens), Valid: true}
	}
	_, err := i.db.ExecContext(context.WithoutCancel(ctx), `INSERT INTO model_calls
		(call_id, session_id, model, started_at, ended_at, decision, tool_names,
		 prompt_tokens, completion_tokens, total_tokens, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.SessionID, r.Model,
		r.StartedAt.Format(timeLayout), r.EndedAt.Format(timeLayout),
		string(r.Decision), strings.Join(r.ToolNames, ","),
		prompt, completion, total, string(r.ErrorKind), r.Error,
	)
	if err != nil {
		i.logger.Warn("failed to persist model call record", "call_id", r.CallID, "error", err)
	}
}

func (i *Instrumentation) persistToolCall(ctx context.Context, r ToolCallRecord) {
	if i.db == nil {
		return
	}
	args, err := json.Marshal(r.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	_, err = i.db.ExecContext(context.WithoutCancel(ctx), `INSERT INTO tool_calls
		(call_id, parent_call_id, session_id, request_id, tool_name, arguments, started_at, ended_at, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.ParentCallID, r.SessionID, r.RequestID, r.ToolName, string(args),
		r.StartedAt.Format(timeLayout), r.EndedAt.Format(timeLayout),
		string(r.ErrorKind), r.Error,
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		i.logger.Warn("failed to persist tool call record", "call_id", r.CallID, "error", err)
	}
}

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func cloneModelRecord(r ModelCallRecord) ModelCallRecord {
	r.ToolNames = append([]string(nil), r.ToolNames...)
	if r.Usage != nil {
		u := *r.Usage
		r.Usage = &u
	}
	return r
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
