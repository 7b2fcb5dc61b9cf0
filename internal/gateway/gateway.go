// Package gateway selects a model backend, resolves its credential and
// turns provider responses into a FinalAnswer or a ToolRequest.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ToolChat/internal/backend"
	"ToolChat/internal/chaterr"
	"ToolChat/internal/config"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
)

// Request is one model invocation
type Request struct {
	SessionID    string
	Model        string // empty uses the current model
	Messages     []session.Message
	Tools        []tools.Spec
	SystemPrompt string
}

// Gateway routes model calls to provider backends
type Gateway struct {
	inst    *telemetry.Instrumentation
	logger  *slog.Logger
	getenv  func(string) string
	timeout time.Duration

	backends map[string]backend.Backend
	limiters map[string]*rate.Limiter

	mu      sync.RWMutex
	models  map[string]config.Model
	current string
}

// Option configures a Gateway
type Option func(*Gateway)

// WithBackend overrides the backend used for a provider
func WithBackend(provider string, b backend.Backend) Option {
	return func(g *Gateway) { g.backends[provider] = b }
}

// WithGetenv replaces os.Getenv for credential lookup
func WithGetenv(fn func(string) string) Option {
	return func(g *Gateway) { g.getenv = fn }
}

// WithTimeout bounds each model call; zero disables the bound
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gateway over the configured models with defaultModel
// current.
func New(models map[string]config.Model, defaultModel string, inst *telemetry.Instrumentation, opts ...Option) (*Gateway, error) {
	if inst == nil {
		inst = telemetry.NewInstrumentation()
	}
	g := &Gateway{
		inst:    inst,
		logger:  slog.Default(),
		getenv:  os.Getenv,
		timeout: 120 * time.Second,
		backends: map[string]backend.Backend{
			config.ProviderOpenAI:    backend.NewOpenAI(nil),
			config.ProviderAnthropic: backend.NewAnthropic(nil),
			config.ProviderOllama:    backend.NewOllama(nil),
		},
		limiters: make(map[string]*rate.Limiter),
		models:   make(map[string]config.Model, len(models)),
	}
	for _, opt := range opts {
		opt(g)
	}

	for name, m := range models {
		g.models[name] = m
		if m.RequestsPerSecond > 0 {
			g.limiters[name] = rate.NewLimiter(rate.Limit(m.RequestsPerSecond), 1)
		}
	}
	if _, ok := g.models[defaultModel]; !ok {
		return nil, chaterr.New(chaterr.KindUnknownModel, "new gateway", "default model %q is not configured", defaultModel)
	}
	g.current = defaultModel
	return g, nil
}

// Current returns the model used when a request names none
func (g *Gateway) Current() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Has reports whether model is configured
func (g *Gateway) Has(model string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.models[model]
	return ok
}

// Model returns the configuration of a model
func (g *Gateway) Model(name string) (config.Model, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.models[name]
	return m, ok
}

// Models lists configured model names in sorted order
func (g *Gateway) Models() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.models))
	for name := range g.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the backend serving a provider
func (g *Gateway) Backend(provider string) (backend.Backend, bool) {
	b, ok := g.backends[provider]
	return b, ok
}

// Switch makes model current for later calls. History is not touched.
func (g *Gateway) Switch(ctx context.Context, sessionID, model string) error {
	g.mu.Lock()
	if _, ok := g.models[model]; !ok {
		g.mu.Unlock()
		return chaterr.New(chaterr.KindUnknownModel, "switch model", "model %q is not configured", model)
	}
	from := g.current
	g.current = model
	g.mu.Unlock()

	g.inst.ModelSwitch(ctx, sessionID, from, model)
	return nil
}

// Invoke starts a model call. The call runs until the stream's Wait
// returns; cancelling ctx aborts it with a Cancelled error.
func (g *Gateway) Invoke(ctx context.Context, req Request) *Stream {
	s := newStream()
	go func() {
		res, err := g.invoke(ctx, req, s)
		s.finish(res, err)
	}()
	return s
}

func (g *Gateway) invoke(ctx context.Context, req Request, s *Stream) (Result, error) {
	const op = "model call"

	model := req.Model
	if model == "" {
		model = g.Current()
	}
	ctx, call := g.inst.StartModelCall(ctx, req.SessionID, model, len(req.Messages), len(req.Tools))

	res, err := g.call(ctx, op, model, req, s, call)
	if err != nil {
		call.Fail(err)
		return nil, err
	}
	var usage *telemetry.TokenUsage
	switch r := res.(type) {
	case ToolRequest:
		usage = r.Usage
	case FinalAnswer:
		usage = r.Usage
	}
	call.Complete(usage)
	return res, nil
}

func (g *Gateway) call(ctx context.Context, op, model string, req Request, s *Stream, call *telemetry.ModelCall) (Result, error) {
	m, ok := g.Model(model)
	if !ok {
		return nil, chaterr.New(chaterr.KindUnknownModel, op, "model %q is not configured", model)
	}
	b, ok := g.backends[m.Provider]
	if !ok {
		return nil, chaterr.New(chaterr.KindConfiguration, op, "model %q: unsupported provider %q", model, m.Provider)
	}
	key, err := g.credential(model, m)
	if err != nil {
		return nil, err
	}

	if lim := g.limiters[model]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, chaterr.Wrapf(chaterr.KindCancelled, op, err, "waiting for rate limit")
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	defs := make([]backend.ToolDefinition, 0, len(req.Tools))
	for _, t := range req.Tools {
		defs = append(defs, backend.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters()})
	}

	call.RequestSent(fmt.Sprintf("provider=%s model=%s messages=%d tools=%d", b.Name(), m.Name, len(req.Messages), len(defs)))
	resp, err := b.Complete(callCtx, backend.Request{
		Model:       m.Name,
		BaseURL:     m.BaseURL,
		APIKey:      key,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		System:      req.SystemPrompt,
		Messages:    req.Messages,
		Tools:       defs,
	}, func(chunk string) error {
		select {
		case s.chunks <- chunk:
			return nil
		case <-callCtx.Done():
			return callCtx.Err()
		}
	})
	if err != nil {
		return nil, g.classify(ctx, callCtx, op, err)
	}
	call.ResponseReceived(fmt.Sprintf("stop_reason=%s tool_calls=%d content_bytes=%d", resp.StopReason, len(resp.ToolCalls), len(resp.Content)))

	if len(resp.ToolCalls) == 0 {
		call.Decide(telemetry.DecisionDirectReply, nil)
		return FinalAnswer{Text: resp.Content, Usage: resp.Usage}, nil
	}
	if err := checkCalls(op, resp.ToolCalls, req.Tools); err != nil {
		return nil, err
	}
	names := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		names[i] = tc.Name
	}
	call.Decide(telemetry.DecisionUseTools, names)
	return ToolRequest{
		Calls:  resp.ToolCalls,
		Text:   resp.Content,
		Usage:  resp.Usage,
		CallID: call.ID(),
		Span:   trace.SpanContextFromContext(ctx),
	}, nil
}

// credential resolves the API key of a model: the named environment
// variable wins over a key in the configuration file.
func (g *Gateway) credential(model string, m config.Model) (string, error) {
	if m.APIKeyEnv != "" {
		if v := g.getenv(m.APIKeyEnv); v != "" {
			return v, nil
		}
	}
	if m.APIKey != "" {
		return m.APIKey, nil
	}
	if m.APIKeyEnv != "" {
		return "", chaterr.Credential(model, m.APIKeyEnv)
	}
	if m.Provider == config.ProviderOllama {
		return "", nil
	}
	return "", chaterr.Credential(model, "api_key")
}

func (g *Gateway) classify(parent, callCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return chaterr.Wrap(chaterr.KindCancelled, op, parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return chaterr.Wrapf(chaterr.KindTransport, op, err, "no response within %s", g.timeout)
	}
	if chaterr.KindOf(err) != "" {
		return err
	}
	return chaterr.Wrap(chaterr.KindTransport, op, err)
}

// checkCalls rejects tool calls the request did not offer and calls with
// missing or repeated ids.
func checkCalls(op string, calls []session.ToolCall, offered []tools.Spec) error {
	declared := make(map[string]bool, len(offered))
	for _, t := range offered {
		declared[t.Name] = true
	}
	seen := make(map[string]bool, len(calls))
	for _, tc := range calls {
		switch {
		case tc.ID == "":
			return chaterr.New(chaterr.KindMalformedResponse, op, "tool call %q has no id", tc.Name)
		case seen[tc.ID]:
			return chaterr.New(chaterr.KindMalformedResponse, op, "duplicate tool call id %q", tc.ID)
		case !declared[tc.Name]:
			return chaterr.New(chaterr.KindMalformedResponse, op, "tool call %q names an undeclared tool %q", tc.ID, tc.Name)
		}
		seen[tc.ID] = true
	}
	return nil
}
