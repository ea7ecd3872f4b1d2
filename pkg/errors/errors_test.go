// errors_test.go — behavioral contract of AppError / Wrap / Wrapf.
package errors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// Wrap must preserve the cause chain so errors.Is and errors.As keep working.
func TestWrapUnwrap(t *testing.T) {
	original := ErrNotFound
	wrapped := Wrap(original, "Store.Get", "user not found")

	// errors.Is finds the sentinel through the wrapper
	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}

	// unrelated sentinels stay unrelated
	if errors.Is(wrapped, ErrTimeout) {
		t.Errorf("errors.Is(wrapped, ErrTimeout) = true, want false")
	}

	// errors.As extracts the AppError
	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("errors.As failed to extract *AppError")
	}
	if appErr.Op != "Store.Get" {
		t.Errorf("Op = %q, want %q", appErr.Op, "Store.Get")
	}
	if appErr.Message != "user not found" {
		t.Errorf("Message = %q, want %q", appErr.Message, "user not found")
	}
}

// Error() output carries op, message, and cause.
func TestWrapErrorString(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	wrapped := Wrap(cause, "Service.Read", "read failed")

	s := wrapped.Error()
	for _, want := range []string{"Service.Read", "read failed", "unexpected EOF"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

// Wrapf formats the message.
func TestWrapfFormat(t *testing.T) {
	cause := ErrInvalidInput
	wrapped := Wrapf(cause, "API.Validate", "field %s invalid: %d", "age", -1)

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As failed")
	}
	if !strings.Contains(appErr.Message, "field age invalid: -1") {
		t.Errorf("Message = %q, want to contain 'field age invalid: -1'", appErr.Message)
	}
}

// New creates an error with no wrapped cause.
func TestNewWithoutCause(t *testing.T) {
	err := New("Init", "failed to start")
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As failed")
	}
	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	// Unwrap yields nil
	if errors.Unwrap(err) != nil {
		t.Errorf("Unwrap = %v, want nil", errors.Unwrap(err))
	}
}

// errors.Is still reaches the innermost sentinel after double wrapping.
func TestDoubleWrap(t *testing.T) {
	inner := Wrap(ErrNotFound, "Store.Get", "row missing")
	outer := Wrap(inner, "Service.FindUser", "user lookup failed")

	if !errors.Is(outer, ErrNotFound) {
		t.Error("errors.Is(outer, ErrNotFound) = false after double wrap")
	}

	var appErr *AppError
	if !errors.As(outer, &appErr) {
		t.Fatal("errors.As failed on outer")
	}
	if appErr.Op != "Service.FindUser" {
		t.Errorf("Op = %q, want Service.FindUser", appErr.Op)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := NewInvalidTransition("submitted", "complete")
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatal("errors.As failed to extract *InvalidTransitionError")
	}
	if it.From != "submitted" || it.To != "complete" {
		t.Errorf("From/To = %q/%q, want submitted/complete", it.From, it.To)
	}
	if !strings.Contains(err.Error(), "submitted") || !strings.Contains(err.Error(), "complete") {
		t.Errorf("Error() = %q, want both states present", err.Error())
	}
}

func TestRateLimitedError(t *testing.T) {
	err := NewRateLimited(1500)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatal("errors.As failed to extract *RateLimitedError")
	}
	if rl.RetryAfterMS != 1500 {
		t.Errorf("RetryAfterMS = %d, want 1500", rl.RetryAfterMS)
	}
}

func TestGenerationMismatchError(t *testing.T) {
	err := NewGenerationMismatch("task_complete_failed", 2, 1)
	var gm *GenerationMismatchError
	if !errors.As(err, &gm) {
		t.Fatal("errors.As failed to extract *GenerationMismatchError")
	}
	if gm.Expected != 2 || gm.Got != 1 {
		t.Errorf("Expected/Got = %d/%d, want 2/1", gm.Expected, gm.Got)
	}
}
