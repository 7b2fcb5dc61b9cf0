package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"ToolChat/internal/chaterr"
	"ToolChat/internal/gateway"
	"ToolChat/internal/session"
)

// State is a turn state machine state
type State string

const (
	AwaitingInput State = "AWAITING_INPUT"
	ModelCall     State = "MODEL_CALL"
	ToolDispatch  State = "TOOL_DISPATCH"
	TurnComplete  State = "TURN_COMPLETE"
)

// TurnResult describes how a turn ended. Kind and Err are set when the turn
// ended in an error; Answer then holds the error text shown to the user.
type TurnResult struct {
	SessionID string
	Answer    string
	Kind      chaterr.Kind
	Err       error
	// Transitions lists the states entered after AWAITING_INPUT
	Transitions []State
	ModelCalls  int
	ToolRounds  int
}

// Failed reports whether the turn ended in an error
func (r TurnResult) Failed() bool { return r.Err != nil }

// Count returns how often the turn entered state s
func (r TurnResult) Count(s State) int {
	n := 0
	for _, t := range r.Transitions {
		if t == s {
			n++
		}
	}
	return n
}

type turn struct {
	o         *Orchestrator
	sessionID string
	sink      func(string)
	result    TurnResult
}

func (t *turn) enter(s State) {
	t.result.Transitions = append(t.result.Transitions, s)
	switch s {
	case ModelCall:
		t.result.ModelCalls++
	case ToolDispatch:
		t.result.ToolRounds++
	}
}

func (t *turn) run(ctx context.Context, text string) {
	if err := t.o.store.Append(t.sessionID, session.NewUserMessage(text)); err != nil {
		t.fail(err)
		return
	}

	reentries := 0
	for {
		t.enter(ModelCall)
		res, err := t.callModel(ctx)
		if err != nil {
			t.fail(err)
			return
		}

		switch r := res.(type) {
		case gateway.FinalAnswer:
			if err := t.o.store.Append(t.sessionID, session.NewAssistantMessage(r.Text)); err != nil {
				t.fail(err)
				return
			}
			t.result.Answer = r.Text
			t.enter(TurnComplete)
			return

		case gateway.ToolRequest:
			if reentries >= t.o.opts.MaxToolRounds {
				t.refuse(r)
				return
			}
			if err := t.dispatch(ctx, r); err != nil {
				t.fail(err)
				return
			}
		}
		reentries++
	}
}

// refuse ends a turn whose model keeps requesting tools past the round
// limit. The request is recorded and every call answered with a
// LoopLimitExceeded result without running it.
func (t *turn) refuse(r gateway.ToolRequest) {
	limit := chaterr.New(chaterr.KindLoopLimitExceeded, "turn",
		"model still requested tools after %d rounds", t.o.opts.MaxToolRounds)

	msg, err := session.NewToolCallMessage(r.Text, r.Calls)
	if err != nil {
		t.fail(chaterr.Wrap(chaterr.KindMalformedResponse, "tool request", err))
		return
	}
	if err := t.o.store.Append(t.sessionID, msg); err != nil {
		t.fail(err)
		return
	}
	for _, call := range r.Calls {
		content := session.ToolErrorContent(chaterr.KindLoopLimitExceeded, "tool round limit reached, call not executed")
		reply, err := session.NewToolResultMessage(call.ID, call.Name, content, true)
		if err == nil {
			err = t.o.store.Append(t.sessionID, reply)
		}
		if err != nil {
			t.fail(err)
			return
		}
	}
	t.fail(limit)
}

// callModel invokes the gateway, retrying transport failures with a
// doubling backoff.
func (t *turn) callModel(ctx context.Context) (gateway.Result, error) {
	backoff := t.o.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		model, err := t.o.store.ActiveModel(t.sessionID)
		if err != nil {
			return nil, err
		}
		history, err := t.o.store.History(t.sessionID)
		if err != nil {
			return nil, err
		}

		stream := t.o.gateway.Invoke(ctx, gateway.Request{
			SessionID:    t.sessionID,
			Model:        model,
			Messages:     history,
			Tools:        t.o.registry.Schemas(),
			SystemPrompt: t.o.opts.SystemPrompt,
		})
		for chunk := range stream.Chunks() {
			if t.sink != nil {
				t.sink(chunk)
			}
		}
		res, err := stream.Wait()
		if err == nil || !chaterr.Retryable(err) || attempt >= t.o.opts.TransportRetries {
			return res, err
		}

		t.o.logger.Warn("model call failed, retrying",
			"session_id", t.sessionID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if err := t.o.sleep(ctx, backoff); err != nil {
			return nil, chaterr.Wrapf(chaterr.KindCancelled, "retry model call", err, "cancelled during backoff")
		}
		backoff *= 2
		if t.o.opts.MaxBackoff > 0 && backoff > t.o.opts.MaxBackoff {
			backoff = t.o.opts.MaxBackoff
		}
	}
}

// dispatch records the tool request, runs the calls and appends one result
// per call in request order.
func (t *turn) dispatch(ctx context.Context, r gateway.ToolRequest) error {
	msg, err := session.NewToolCallMessage(r.Text, r.Calls)
	if err != nil {
		return chaterr.Wrap(chaterr.KindMalformedResponse, "tool request", err)
	}
	if err := t.o.store.Append(t.sessionID, msg); err != nil {
		return err
	}

	t.enter(ToolDispatch)
	if r.Span.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, r.Span)
	}
	for _, res := range t.o.executor.Execute(ctx, t.sessionID, r.CallID, r.Calls) {
		reply, err := res.Message()
		if err != nil {
			return err
		}
		if err := t.o.store.Append(t.sessionID, reply); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return chaterr.Wrapf(chaterr.KindCancelled, "tool dispatch", err, "turn cancelled")
	}
	return nil
}

// fail ends the turn with an error answer. Calls left unanswered are
// closed with Cancelled results first so the history stays appendable.
func (t *turn) fail(err error) {
	kind := chaterr.KindOf(err)
	if kind == "" {
		kind = chaterr.KindProtocolViolation
	}

	if history, herr := t.o.store.History(t.sessionID); herr == nil {
		for _, call := range session.Outstanding(history) {
			content := session.ToolErrorContent(chaterr.KindCancelled, "turn ended before the tool ran")
			msg, merr := session.NewToolResultMessage(call.ID, call.Name, content, true)
			if merr == nil {
				merr = t.o.store.Append(t.sessionID, msg)
			}
			if merr != nil {
				t.o.logger.Error("failed to close outstanding tool call", "session_id", t.sessionID, "call_id", call.ID, "error", merr)
			}
		}
	}

	msg := session.NewErrorMessage(kind, chaterr.Detail(err))
	if aerr := t.o.store.Append(t.sessionID, msg); aerr != nil {
		t.o.logger.Error("failed to record turn error", "session_id", t.sessionID, "error", aerr)
	}

	t.o.logger.Warn("turn failed", "session_id", t.sessionID, "error_kind", string(kind), "error", err)
	t.result.Answer = msg.Content
	t.result.Kind = kind
	t.result.Err = err
	t.enter(TurnComplete)
}
