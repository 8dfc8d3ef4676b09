package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned when a task is submitted to (or an operation
	// is attempted on) a lane that has been shut down.
	ErrTerminated = errors.New("executor terminated")
)

// Task state reasons carried by TaskStateError.
const (
	ReasonAlreadySubmitted = "is already submitted"
	ReasonNotSubmitted     = "is not submitted"
	ReasonAborted          = "is aborted"
	ReasonDeadlocked       = "could be dead locked"
)

// TaskStateError reports an operation attempted against a task in an
// incompatible state. It is always surfaced to the caller.
type TaskStateError struct {
	Task   string
	Reason string
}

func (e *TaskStateError) Error() string {
	name := e.Task
	if name == "" {
		name = "task"
	}
	return fmt.Sprintf("%s %s", name, e.Reason)
}

// IsTaskState reports whether err is a TaskStateError with the given reason.
func IsTaskState(err error, reason string) bool {
	var tse *TaskStateError
	return errors.As(err, &tse) && tse.Reason == reason
}

// ExecutionError wraps an error (or recovered panic) raised inside a task's
// callable. It never propagates to the dispatcher; it is offered to the
// task's error handler and otherwise logged.
type ExecutionError struct {
	Task    string
	Panic   bool
	Wrapped error
}

func (e *ExecutionError) Error() string {
	kind := "error"
	if e.Panic {
		kind = "panic"
	}
	return fmt.Sprintf("task %s: %s: %v", e.Task, kind, e.Wrapped)
}

func (e *ExecutionError) Unwrap() error { return e.Wrapped }
