package api

import (
	"errors"
	"fmt"
)

// ErrDeterminism is matched by every determinism violation. Such errors are
// fatal for the turn and must not be retried.
var ErrDeterminism = errors.New("determinism violation")

// ErrMissingStartEvent is returned when an execution's history has no
// WorkflowStarted event.
var ErrMissingStartEvent = fmt.Errorf("%w: workflow started event not found", ErrDeterminism)

// ErrTimeout is matched by TimeoutError.
var ErrTimeout = errors.New("timed out")

var (
	// ErrWorkflowNotFound is returned when no workflow is registered under
	// the requested name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionCollision is returned when an execution name is reused
	// with a different input.
	ErrExecutionCollision = errors.New("execution already exists with a different input")
)

// DeterminismError reports that replayed program calls and recorded history
// disagree.
type DeterminismError struct {
	Seq    int
	Event  EventType
	Call   CallKind
	Reason string
}

func (e *DeterminismError) Error() string {
	if e.Call != 0 {
		return fmt.Sprintf("determinism violation at seq %d: event %s, call %s: %s", e.Seq, e.Event, e.Call, e.Reason)
	}
	return fmt.Sprintf("determinism violation at seq %d: event %s: %s", e.Seq, e.Event, e.Reason)
}

func (e *DeterminismError) Unwrap() error { return ErrDeterminism }

// TimeoutError is returned by a call whose timeout won the race.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "timed out"
	}
	return e.Message
}

func (e *TimeoutError) ErrorName() string { return "Timeout" }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TaskError is returned to the workflow when a task reports failure.
type TaskError struct {
	Task    string
	Name    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s: %s", e.Task, e.Name, e.Message)
}

func (e *TaskError) ErrorName() string { return e.Name }

// ChildWorkflowError is returned to the parent when a child execution fails.
type ChildWorkflowError struct {
	Workflow    string
	ExecutionID string
	Name        string
	Message     string
}

func (e *ChildWorkflowError) Error() string {
	return fmt.Sprintf("child workflow %s (%s) failed: %s: %s", e.Workflow, e.ExecutionID, e.Name, e.Message)
}

func (e *ChildWorkflowError) ErrorName() string { return e.Name }

// RequestError is returned by entity, bucket, search and transaction calls.
type RequestError struct {
	Kind    CallKind
	Name    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request failed: %s: %s", e.Kind, e.Name, e.Message)
}

func (e *RequestError) ErrorName() string { return e.Name }

// ErrorName returns the name recorded for err in failure events. Errors may
// provide their own by implementing ErrorName() string.
func ErrorName(err error) string {
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		if n := named.ErrorName(); n != "" {
			return n
		}
	}
	return "Error"
}
