package weft

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrDepthExhausted is returned when a spawn would exceed the depth limit.
	ErrDepthExhausted = errors.New("spawn depth exhausted")

	// ErrLimitExceeded is returned when a thread stops on a limit.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrCancelled is returned when a thread was cancelled.
	ErrCancelled = errors.New("thread cancelled")

	// ErrPermissionDenied is returned when no capability grants an action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrWaitTimeout is returned when Wait gives up with threads outstanding.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrNotSuspended is returned when resuming a thread that is not suspended.
	ErrNotSuspended = errors.New("thread is not suspended")

	// ErrThreadRunning is returned when an operation needs a stopped thread.
	ErrThreadRunning = errors.New("thread is running in this process")

	// ErrNotLocal is returned when an operation needs the thread to be
	// running in this process.
	ErrNotLocal = errors.New("thread is not running in this process")

	// ErrThreadFailed is returned by a fail-fast Wait when a thread errored.
	ErrThreadFailed = errors.New("thread failed")

	// ErrNoCheckpoint is returned when a thread has no saved state.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrNotRecoverable is returned when recovering a thread that is not a
	// confirmed orphan with a checkpoint.
	ErrNotRecoverable = errors.New("thread is not a recoverable orphan")

	// ErrNoProvider is returned when no LLM backend is configured.
	ErrNoProvider = errors.New("no LLM provider configured")

	// ErrNoResolver is returned when spawning by directive name without a resolver.
	ErrNoResolver = errors.New("no directive resolver configured")

	// ErrToolNotFound is returned when a tool is not registered
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolAlreadyRegistered is returned when trying to register a duplicate tool id.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrInvalidConfig is returned for configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed is returned by an orchestrator that has shut down.
	ErrClosed = errors.New("orchestrator is shut down")
)

// ThreadError wraps errors with thread context.
type ThreadError struct {
	ThreadID  string
	Directive string
	Err       error
}

func (e *ThreadError) Error() string {
	if e.Directive != "" {
		return fmt.Sprintf("thread %s (%s): %v", e.ThreadID, e.Directive, e.Err)
	}
	return fmt.Sprintf("thread %s: %v", e.ThreadID, e.Err)
}

func (e *ThreadError) Unwrap() error {
	return e.Err
}

// CheckpointError reports a failed state write.
type CheckpointError struct {
	ThreadID string
	Trigger  CheckpointTrigger
	Err      error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at %s: %v", e.ThreadID, e.Trigger, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// PermissionError reports an action no capability grants.
type PermissionError struct {
	ThreadID string
	Action   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("thread %s: %v: %s", e.ThreadID, ErrPermissionDenied, e.Action)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// LimitError reports the limit a thread stopped on.
type LimitError struct {
	Event LimitEvent
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %s", ErrLimitExceeded, e.Event)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// HandoffError reports a continuation that could not be started.
type HandoffError struct {
	ThreadID string
	Err      error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("handoff from %s: %v", e.ThreadID, e.Err)
}

func (e *HandoffError) Unwrap() error {
	return e.Err
}

// ToolError wraps errors with tool context.
type ToolError struct {
	ToolName string
	Err      error
}

func (e *ToolError) Error() string {
	return "tool " + e.ToolName + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
