// Package executor defines the contract between the orchestrator and the
// systems that carry out an action. Executors are plugged in through a
// Registry; the orchestrator never talks to one directly.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownExecutor means no executor is registered under the plan's id.
	ErrUnknownExecutor = errors.New("unknown executor")
	// ErrInvalidParameters means the plan's parameters failed the operation schema.
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Result is the executor's output, stored on the item as metadata "result".
type Result map[string]any

// Executor performs one operation against an external system. The call must
// return within timeout; the registry enforces it either way.
type Executor interface {
	Execute(ctx context.Context, operation string, params map[string]any, timeout time.Duration) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, operation string, params map[string]any, timeout time.Duration) (Result, error)

func (f Func) Execute(ctx context.Context, operation string, params map[string]any, timeout time.Duration) (Result, error) {
	return f(ctx, operation, params, timeout)
}

// Kind tells the orchestrator whether a failure is worth another attempt.
type Kind string

const (
	Transient Kind = "transient"
	Terminal  Kind = "terminal"
)

// Error is a typed executor failure.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " " + e.Code
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError builds a retryable failure.
func TransientError(code, format string, args ...any) *Error {
	return &Error{Kind: Transient, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// TerminalError builds a failure that must not be retried.
func TerminalError(code, format string, args ...any) *Error {
	return &Error{Kind: Terminal, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Classify maps any error to a kind and a short code for the audit trail.
// Errors that carry no kind are treated as transient; max attempts bounds them.
func Classify(err error) (Kind, string) {
	var xe *Error
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &xe):
		return xe.Kind, xe.Code
	case errors.Is(err, ErrUnknownExecutor):
		return Terminal, "unknown_executor"
	case errors.Is(err, ErrInvalidParameters):
		return Terminal, "invalid_parameters"
	case errors.Is(err, context.DeadlineExceeded):
		return Transient, "timeout"
	default:
		return Transient, "unclassified"
	}
}

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	k, _ := Classify(err)
	return k == Transient
}
