// Package orchestrator runs conversational turns: it calls the model,
// dispatches the tools it asks for and feeds the results back until the
// model answers.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/config"
	"ToolChat/internal/gateway"
	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
)

// ErrEmptyInput is returned by Send for blank user text
var ErrEmptyInput = errors.New("empty message")

// ModelGateway is the part of gateway.Gateway the orchestrator drives
type ModelGateway interface {
	Invoke(ctx context.Context, req gateway.Request) *gateway.Stream
	Switch(ctx context.Context, sessionID, model string) error
	Current() string
}

// Options are the turn loop knobs
type Options struct {
	// MaxToolRounds bounds how many tool rounds one turn may run. A tool
	// request past the bound is answered with LoopLimitExceeded results
	// without running the tools, and the turn ends.
	MaxToolRounds    int
	TransportRetries int
	RetryBackoff     time.Duration
	MaxBackoff       time.Duration
	SystemPrompt     string
	Autosave         bool
}

// OptionsFrom converts the orchestrator configuration section
func OptionsFrom(c config.Orchestrator) Options {
	return Options{
		MaxToolRounds:    c.MaxToolRounds,
		TransportRetries: c.TransportRetries,
		RetryBackoff:     c.RetryBackoff,
		MaxBackoff:       c.MaxBackoff,
		SystemPrompt:     c.SystemPrompt,
		Autosave:         c.Autosave,
	}
}

// Orchestrator owns the turn state machine for every session in a store
type Orchestrator struct {
	store    *session.Store
	gateway  ModelGateway
	executor *tools.Executor
	registry *tools.Registry
	inst     *telemetry.Instrumentation
	logger   *slog.Logger
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	busy map[string]struct{}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSleep replaces the retry backoff wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New wires an orchestrator. The executor must run tools from reg.
func New(store *session.Store, gw ModelGateway, exec *tools.Executor, reg *tools.Registry, inst *telemetry.Instrumentation, opts Options, extra ...Option) *Orchestrator {
	if inst == nil {
		inst = telemetry.NewInstrumentation()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 8
	}
	if opts.TransportRetries < 0 {
		opts.TransportRetries = 0
	}
	o := &Orchestrator{
		store:    store,
		gateway:  gw,
		executor: exec,
		registry: reg,
		inst:     inst,
		logger:   slog.Default(),
		opts:     opts,
		sleep:    sleepContext,
		busy:     make(map[string]struct{}),
	}
	for _, opt := range extra {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire marks a session busy; a session runs at most one turn at a time
func (o *Orchestrator) acquire(op, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.busy[sessionID]; ok {
		return chaterr.New(chaterr.KindSessionBusy, op, "session %s has a turn in progress", sessionID)
	}
	o.busy[sessionID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.busy, sessionID)
	o.mu.Unlock()
}

// Busy reports whether a turn is in flight for the session
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.busy[sessionID]
	return ok
}

// NewSession creates a session bound to the gateway's current model
func (o *Orchestrator) NewSession() string {
	return o.store.Create(o.gateway.Current())
}

// Switch changes the model used by later model calls of the session.
// History is left untouched.
func (o *Orchestrator) Switch(ctx context.Context, sessionID, model string) error {
	if !o.store.Exists(sessionID) {
		return chaterr.New(chaterr.KindSessionNotFound, "switch model", "session %s", sessionID)
	}
	if err := o.gateway.Switch(ctx, sessionID, model); err != nil {
		return err
	}
	return o.store.SetActiveModel(sessionID, model)
}

// ActiveModel returns the model the session's next call will use
func (o *Orchestrator) ActiveModel(sessionID string) (string, error) {
	return o.store.ActiveModel(sessionID)
}

// History returns a copy of the session's messages
func (o *Orchestrator) History(sessionID string) ([]session.Message, error) {
	return o.store.History(sessionID)
}

// Clear empties the session history. A busy session cannot be cleared.
func (o *Orchestrator) Clear(sessionID string) error {
	if err := o.acquire("clear", sessionID); err != nil {
		return err
	}
	defer o.release(sessionID)
	return o.store.Clear(sessionID)
}

// Save persists the session
func (o *Orchestrator) Save(ctx context.Context, sessionID string) error {
	return o.store.Save(ctx, sessionID)
}

// Load restores a saved session
func (o *Orchestrator) Load(ctx context.Context, sessionID string) (session.Session, error) {
	if err := o.acquire("load", sessionID); err != nil {
		return session.Session{}, err
	}
	defer o.release(sessionID)
	return o.store.Load(ctx, sessionID)
}

// Delete removes a session from memory and storage
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	if err := o.acquire("delete", sessionID); err != nil {
		return err
	}
	defer o.release(sessionID)
	o.inst.Forget(sessionID)
	return o.store.Delete(ctx, sessionID)
}

// Sessions lists saved sessions
func (o *Orchestrator) Sessions(ctx context.Context) ([]session.Summary, error) {
	return o.store.List(ctx)
}

// Tools lists the tools offered to the model
func (o *Orchestrator) Tools() []tools.Spec {
	return o.registry.Schemas()
}

// Send runs one turn for the user text. Text chunks are passed to sink as
// they arrive. Turn failures are reported in the TurnResult and appended to
// the history; the error return is reserved for an unknown or busy session
// and blank input.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text string, sink func(string)) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, ErrEmptyInput
	}
	if !o.store.Exists(sessionID) {
		return TurnResult{}, chaterr.New(chaterr.KindSessionNotFound, "send", "session %s", sessionID)
	}
	if err := o.acquire("send", sessionID); err != nil {
		return TurnResult{}, err
	}
	defer o.release(sessionID)

	t := &turn{o: o, sessionID: sessionID, sink: sink, result: TurnResult{SessionID: sessionID}}
	t.run(ctx, text)

	o.logger.Info("turn complete",
		"session_id", sessionID,
		"model_calls", t.result.ModelCalls,
		"tool_rounds", t.result.ToolRounds,
		"error_kind", string(t.result.Kind),
	)

	if o.opts.Autosave {
		if err := o.store.Save(context.WithoutCancel(ctx), sessionID); err != nil {
			o.logger.Warn("autosave failed", "session_id", sessionID, "error", err)
		}
	}
	return t.result, nil
}
