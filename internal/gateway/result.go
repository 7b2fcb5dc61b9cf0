package gateway

import (
	"go.opentelemetry.io/otel/trace"

	"ToolChat/internal/session"
	"ToolChat/internal/telemetry"
)

// Result is what one model call produced: a FinalAnswer or a ToolRequest
type Result interface {
	isResult()
}

// FinalAnswer ends the turn
type FinalAnswer struct {
	Text  string
	Usage *telemetry.TokenUsage
}

// ToolRequest asks for tool calls before the model answers. Text is any
// commentary the model produced alongside the calls. CallID and Span
// identify the model call so tool calls can be recorded beneath it.
type ToolRequest struct {
	Calls  []session.ToolCall
	Text   string
	Usage  *telemetry.TokenUsage
	CallID string
	Span   trace.SpanContext
}

func (FinalAnswer) isResult() {}
func (ToolRequest) isResult() {}

// Stream delivers the text chunks of one model call followed by its result
type Stream struct {
	chunks chan string
	done   chan struct{}
	result Result
	err    error
}

func newStream() *Stream {
	return &Stream{chunks: make(chan string, 64), done: make(chan struct{})}
}

// Chunks yields text in arrival order. The channel is closed before Wait
// returns.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Wait blocks until the call finishes. Chunks not yet read are discarded.
func (s *Stream) Wait() (Result, error) {
	for range s.chunks {
	}
	<-s.done
	return s.result, s.err
}

func (s *Stream) finish(res Result, err error) {
	close(s.chunks)
	s.result, s.err = res, err
	close(s.done)
}
