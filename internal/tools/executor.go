package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"ToolChat/internal/cache"
	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// Result is the outcome of one tool call. Err is nil on success; failures
// are results, never returned errors.
type Result struct {
	RequestID string
	Name      string
	Output    string
	Err       error
	Cached    bool
}

// Content returns the text the model sees for this result
func (r Result) Content() string {
	if r.Err == nil {
		return r.Output
	}
	kind := chaterr.KindOf(r.Err)
	if kind == "" {
		kind = chaterr.KindToolExecution
	}
	return session.ToolErrorContent(kind, chaterr.Detail(r.Err))
}

// Message builds the tool message answering the request
func (r Result) Message() (session.Message, error) {
	return session.NewToolResultMessage(r.RequestID, r.Name, r.Content(), r.Err != nil)
}

// Executor runs tool calls from a registry with bounded parallelism
type Executor struct {
	registry    *Registry
	inst        *telemetry.Instrumentation
	cache       *cache.ResultCache
	timeout     time.Duration
	parallelism int
	logger      *slog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithTimeout bounds each tool call
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithParallelism bounds how many calls of one batch run at once
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithCache memoizes ReadOnly tools
func WithCache(c *cache.ResultCache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor. A nil instrumentation records nothing
// beyond the default logger.
func NewExecutor(reg *Registry, inst *telemetry.Instrumentation, opts ...ExecutorOption) *Executor {
	if inst == nil {
		inst = telemetry.NewInstrumentation()
	}
	e := &Executor{
		registry:    reg,
		inst:        inst,
		timeout:     30 * time.Second,
		parallelism: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the calls and returns one result per call in request order.
// Calls not started before ctx is done get Cancelled results.
func (e *Executor) Execute(ctx context.Context, sessionID, parentCallID string, calls []session.ToolCall) []Result {
	results := make([]Result, len(calls))

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = cancelledResult(call, ctx.Err())
			continue
		}
		g.Go(func() error {
			results[i] = e.run(ctx, sessionID, parentCallID, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Executor) run(ctx context.Context, sessionID, parentCallID string, call session.ToolCall) Result {
	res := Result{RequestID: call.ID, Name: call.Name}
	if err := ctx.Err(); err != nil {
		return cancelledResult(call, err)
	}

	ctx, rec := e.inst.StartToolCall(ctx, sessionID, parentCallID, call.ID, call.Name, call.Arguments)

	spec, handler, err := e.registry.Lookup(call.Name)
	if err != nil {
		res.Err = err
		rec.Fail(err)
		return res
	}
	if err := Validate(spec, call.Arguments); err != nil {
		res.Err = err
		rec.Fail(err)
		return res
	}

	var key string
	if spec.ReadOnly && e.cache != nil {
		if key, err = cache.GenerateKey(call.Name, call.Arguments); err == nil {
			if out, ok := e.cache.Get(key); ok {
				res.Output, res.Cached = out, true
				rec.Result("cache hit: " + out)
				return res
			}
		}
	}

	out, err := e.invoke(ctx, call, handler)
	if err != nil {
		res.Err = err
		rec.Fail(err)
		return res
	}

	res.Output = out
	if key != "" {
		e.cache.Put(key, out)
	}
	rec.Result(out)
	return res
}

type outcome struct {
	value any
	err   error
}

// invoke runs the handler under the per-call timeout. A handler that ignores
// its context is abandoned when the deadline passes.
func (e *Executor) invoke(ctx context.Context, call session.ToolCall, handler Handler) (string, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("tool handler panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: chaterr.New(chaterr.KindToolExecution, call.Name, "handler panicked: %v", p)}
			}
		}()
		v, err := handler(callCtx, cloneArgs(call.Arguments))
		done <- outcome{value: v, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o = outcome{err: callCtx.Err()}
	}

	if o.err != nil {
		return "", e.classify(ctx, call, o.err)
	}

	out, err := render(o.value)
	if err != nil {
		return "", chaterr.Wrapf(chaterr.KindToolExecution, call.Name, err, "cannot render result")
	}
	return out, nil
}

func (e *Executor) classify(ctx context.Context, call session.ToolCall, err error) error {
	if ctx.Err() != nil {
		return chaterr.Wrap(chaterr.KindCancelled, call.Name, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chaterr.Wrapf(chaterr.KindToolExecution, call.Name, err, "timed out after %s", e.timeout)
	}
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return err
	}
	return chaterr.Wrap(chaterr.KindToolExecution, call.Name, err)
}

func cancelledResult(call session.ToolCall, cause error) Result {
	return Result{
		RequestID: call.ID,
		Name:      call.Name,
		Err:       chaterr.Wrapf(chaterr.KindCancelled, call.Name, cause, "not executed"),
	}
}

func render(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return session.CloneArguments(args)
}
