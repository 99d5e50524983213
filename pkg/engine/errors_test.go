package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEngineErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "bare",
			err:  NewPermanentError("bad input", nil),
			want: "[permanent] bad input",
		},
		{
			name: "resource and cause",
			err:  NewDeliveryRejectedError("req-1", 422, errors.New("unknown request")),
			want: "[permanent] report rejected by remote (resource=req-1): unknown request",
		},
		{
			name: "operation only",
			err:  NewTransientNetworkError("poll", errors.New("reset")),
			want: "[transient] network request failed (operation=poll): reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("report req-1: %w", NewThrottledError("slow down", nil).WithDetail(DetailRetryAfter, 30*time.Second))

	if !IsThrottled(wrapped) || !IsRetryable(wrapped) || IsPermanent(wrapped) {
		t.Errorf("classification of %v is wrong", wrapped)
	}
	if got := RetryAfter(wrapped); got != 30*time.Second {
		t.Errorf("RetryAfter() = %s, want 30s", got)
	}
	if ClassOf(errors.New("plain")) != "" || IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors must not be retryable")
	}
	if !IsConflict(NewDuplicateCommandError("req-1")) {
		t.Error("duplicate command should be a conflict")
	}
}

func TestEngineErrorIs(t *testing.T) {
	dup := NewDuplicateCommandError("req-1")
	wrapped := fmt.Errorf("accept: %w", dup)

	if !errors.Is(wrapped, ErrAlreadyExists) {
		t.Error("duplicate command should wrap ErrAlreadyExists")
	}
	template := &EngineError{Class: ErrorClassConflict, Code: ErrCodeDuplicateCommand}
	if !errors.Is(wrapped, template) {
		t.Error("errors.Is should match on class and code")
	}
	if errors.Is(wrapped, &EngineError{Class: ErrorClassConflict}) {
		t.Error("errors.Is matched a template with a different code")
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := NewEvidenceUnavailableError(errors.New("permission denied"))
	outer := NewTransientError("resolver check", inner).WithCode(ErrCodeTransientNetwork)

	if !HasCode(outer, ErrCodeEvidenceUnavailable) {
		t.Error("HasCode() missed an inner code")
	}
	if HasCode(outer, ErrCodeDialFailed) {
		t.Error("HasCode() matched an absent code")
	}
	if HasCode(nil, ErrCodeValidation) {
		t.Error("HasCode(nil) = true")
	}
}
