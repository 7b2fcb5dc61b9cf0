package chaterr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ToolChat/internal/chaterr"
)

func TestErrorMatchesSentinelAndCause(t *testing.T) {
	t.Parallel()

	err := chaterr.Wrap(chaterr.KindTransport, "invoke", context.DeadlineExceeded)
	if !errors.Is(err, chaterr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !chaterr.Retryable(err) {
		t.Fatalf("transport errors must be retryable")
	}
}

func TestKindOfWrappedError(t *testing.T) {
	t.Parallel()

	inner := chaterr.New(chaterr.KindUnknownModel, "switch", "model %q", "nope")
	wrapped := fmt.Errorf("command failed: %w", inner)
	if got := chaterr.KindOf(wrapped); got != chaterr.KindUnknownModel {
		t.Fatalf("KindOf = %q, want %q", got, chaterr.KindUnknownModel)
	}
	if chaterr.Retryable(wrapped) {
		t.Fatalf("unknown model must not be retryable")
	}
	if got := chaterr.KindOf(fmt.Errorf("x: %w", chaterr.ErrCancelled)); got != chaterr.KindCancelled {
		t.Fatalf("KindOf bare sentinel = %q", got)
	}
	if got := chaterr.KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf plain error = %q, want empty", got)
	}
}

func TestCredentialIsConfigurationError(t *testing.T) {
	t.Parallel()

	err := chaterr.Credential("deepseek", "DEEPSEEK_API_KEY")
	if !errors.Is(err, chaterr.ErrConfiguration) || !errors.Is(err, chaterr.ErrCredential) {
		t.Fatalf("credential error should match both sentinels: %v", err)
	}
	want := `ConfigurationError: resolve credential: model "deepseek": DEEPSEEK_API_KEY is not set: credential unavailable`
	if err.Error() != want {
		t.Fatalf("Error() = %q\nwant     %q", err.Error(), want)
	}
}
