package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAcrossFmtWrapping(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("submit: %w", Wrap(CodeTimeout, cause, "oracle call timed out"))

	if !HasCode(err, CodeTimeout) {
		t.Fatalf("expected TIMEOUT in chain: %v", err)
	}
	if HasCode(err, CodeNotFound) {
		t.Fatalf("unexpected NOT_FOUND match")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if got := CategoryOf(err); got != CategoryTransient {
		t.Fatalf("unexpected category %q", got)
	}
	if !RetryableError(err) {
		t.Fatalf("timeout should be retryable by default")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_PARTIAL"
	Register(code, Attributes{Message: "partial", Category: CategoryPartial, Retryable: true})

	err := New(code, "", WithMetadata("digest", "bafk"), WithRetryable(false))
	if err.Message() != "partial" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if err.Retryable() {
		t.Fatalf("override ignored")
	}
	if err.Meta("digest") != "bafk" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
	if err.Category() != CategoryPartial {
		t.Fatalf("unexpected category %q", err.Category())
	}
}

func TestUnknownErrorFallsBack(t *testing.T) {
	err := stdErrors.New("plain")
	if CodeOf(err) != CodeUnknown {
		t.Fatalf("expected UNKNOWN")
	}
	if CategoryOf(err) != CategoryInternal {
		t.Fatalf("expected internal category")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("expected critical severity for unknown errors")
	}
}
