package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether s is SUCCEEDED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Execution is one instantiation of a workflow program.
type Execution struct {
	ID            string
	WorkflowName  string
	ExecutionName string
	Status        Status

	StartTime time.Time
	EndTime   time.Time

	Parent    *ParentRef
	InputHash string
	Input     any

	Result  any
	Error   string
	Message string
}

// StartExecutionRequest asks the engine to start a workflow.
type StartExecutionRequest struct {
	// WorkflowName must not contain '/', which separates it from the
	// execution name in the execution id.
	WorkflowName string `validate:"required,excludes=/"`

	// ExecutionName defaults to a random uuid. Starting the same name twice
	// is idempotent as long as the input is the same.
	ExecutionName string

	Input  any
	Parent *ParentRef

	// Timeout, when positive, fails the execution with a timeout once it has
	// been running that long.
	Timeout time.Duration `validate:"gte=0"`
}

// StartExecutionResponse is returned by a start request.
type StartExecutionResponse struct {
	ExecutionID string

	// AlreadyRunning is true when an execution with the same name and input
	// existed before the request.
	AlreadyRunning bool
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	WorkflowName string
	Statuses     []Status

	// Limit caps the page size; zero means the store default.
	Limit     int
	NextToken string
}

// ExecutionPage is one page of a listing.
type ExecutionPage struct {
	Executions []*Execution
	NextToken  string
}

// Matches reports whether e passes the workflow and status filters.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.WorkflowName != "" && e.WorkflowName != f.WorkflowName {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// ExecutionID derives the id of an execution from its workflow and
// execution names. Workflow names never contain '/', so the first '/'
// splits the id unambiguously even when the execution name has one.
func ExecutionID(workflowName, executionName string) string {
	return workflowName + "/" + executionName
}

// ParseExecutionID splits an execution id into workflow and execution names.
func ParseExecutionID(id string) (workflowName, executionName string, err error) {
	i := strings.Index(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid execution id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// ChildExecutionName is the execution name given to the child started by the
// call at seq of the parent execution.
func ChildExecutionName(parentExecutionID string, seq int) string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(parentExecutionID, "/", "-"), seq)
}

// HashInput returns a stable hash of input, used to detect whether a repeated
// start request carries the same input.
func HashInput(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
