// Package errors provides the sentinel errors and the application-level
// error wrapper shared across AgentCom's components.
//
//   - L1 sentinels: ErrNotFound / ErrAgentOffline / ErrTableCorrupted / ...
//   - L2 AppError: an Op + Code + Message wrapper for errors that need
//     caller context beyond a sentinel value.
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 sentinel errors
// ========================================

var (
	// ErrNotFound — generic entity lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput — malformed or missing required input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized — bearer token missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken — token does not resolve to any agent.
	ErrInvalidToken = errors.New("invalid_token")

	// ErrTokenAgentMismatch — verified token belongs to a different agent
	// than the identify frame claimed.
	ErrTokenAgentMismatch = errors.New("token_agent_mismatch")

	// ErrNotIdentified — a frame other than identify arrived before the
	// session completed the identify handshake.
	ErrNotIdentified = errors.New("not_identified")

	// ErrInvalidJSON — a frame failed to parse as JSON.
	ErrInvalidJSON = errors.New("invalid_json")

	// ErrUnknownMessageType — a frame's type tag has no registered handler.
	ErrUnknownMessageType = errors.New("unknown_message_type")

	// ErrAgentOffline — router could not find a live session for the
	// addressed agent.
	ErrAgentOffline = errors.New("agent_offline")

	// ErrChannelNotFound — channel operation referenced an unknown name.
	ErrChannelNotFound = errors.New("channel_not_found")

	// ErrTableCorrupted — the persistence layer detected corruption; the
	// caller must treat the operation as failed while the backup
	// supervisor proceeds asynchronously with repair/restore.
	ErrTableCorrupted = errors.New("table_corrupted")

	// ErrTimeout — an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInternal — unclassified internal failure.
	ErrInternal = errors.New("internal error")
)

// ========================================
// L2 AppError
// ========================================

// AppError is an application-level error carrying operation context.
type AppError struct {
	Op      string // operation name, e.g. "TaskQueue.CompleteTask"
	Code    string // short machine-readable code, e.g. "DENIED"
	Message string // human-readable message
	Err     error  // wrapped cause, if any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap supports errors.Is / errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an application error with no wrapped cause.
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf creates a formatted application error.
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches operation context to an existing error.
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf formats the message while wrapping an existing error.
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidTransitionError reports a goal lifecycle transition that is not in
// the declared transition graph.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: %s -> %s", e.From, e.To)
}

// NewInvalidTransition builds an InvalidTransitionError.
func NewInvalidTransition(from, to string) error {
	return &InvalidTransitionError{From: from, To: to}
}

// RateLimitedError carries the backoff the caller should honor before
// retrying — surfaced as a WebSocket error frame or an HTTP 429 w/ Retry-After.
type RateLimitedError struct {
	RetryAfterMS int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate_limited: retry after %dms", e.RetryAfterMS)
}

// NewRateLimited builds a RateLimitedError.
func NewRateLimited(retryAfterMS int64) error {
	return &RateLimitedError{RetryAfterMS: retryAfterMS}
}

// GenerationMismatchError reports a lifecycle frame (complete/fail)
// whose generation did not match the task's current generation.
type GenerationMismatchError struct {
	Op       string // "task_complete_failed" | "task_fail_failed"
	Expected int64
	Got      int64
}

func (e *GenerationMismatchError) Error() string {
	return fmt.Sprintf("%s: generation mismatch (expected %d, got %d)", e.Op, e.Expected, e.Got)
}

// NewGenerationMismatch builds a GenerationMismatchError.
func NewGenerationMismatch(op string, expected, got int64) error {
	return &GenerationMismatchError{Op: op, Expected: expected, Got: got}
}
