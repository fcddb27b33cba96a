package command

import (
	"context"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// ExecutionQueue delivers events to an execution's orchestrator.
type ExecutionQueue interface {
	SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error
}

// TimerClient delivers an event to an execution at a future time.
type TimerClient interface {
	ScheduleEvent(ctx context.Context, executionID string, event api.WorkflowEvent, fireAt time.Time) error
}

// TaskChannel starts task attempts. It does not wait for the task.
type TaskChannel interface {
	StartTask(ctx context.Context, req api.TaskRequest) error
}

// WorkflowClient starts child executions.
type WorkflowClient interface {
	StartExecution(ctx context.Context, req api.StartExecutionRequest) (api.StartExecutionResponse, error)
}

// EventClient publishes application events.
type EventClient interface {
	EmitEvents(ctx context.Context, events ...api.OutboundEvent) error
}

type EntityClient interface {
	Execute(ctx context.Context, op api.EntityOperation) (any, error)
}

type BucketClient interface {
	Execute(ctx context.Context, op api.BucketOperation) (any, error)
}

type SearchClient interface {
	Execute(ctx context.Context, q api.SearchQuery) (any, error)
}

// TransactionClient runs a named transaction against application storage.
type TransactionClient interface {
	Invoke(ctx context.Context, name string, input any) (any, error)
}
