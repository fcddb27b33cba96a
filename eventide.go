package eventide

import (
	"github.com/petrijr/eventide/internal/engine"
	"github.com/petrijr/eventide/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Context               = api.Context
	Future                = api.Future
	SignalHandler         = api.SignalHandler
	WorkflowFunc          = api.WorkflowFunc
	TaskFunc              = api.TaskFunc
	CallOption            = api.CallOption
	Execution             = api.Execution
	ExecutionFilter       = api.ExecutionFilter
	ExecutionPage         = api.ExecutionPage
	StartExecutionRequest = api.StartExecutionRequest
	StartExecutionResult  = api.StartExecutionResponse
	WorkflowEvent         = api.WorkflowEvent
	Status                = api.Status
	EventType             = api.EventType
	ParentRef             = api.ParentRef
	SignalTarget          = api.SignalTarget
	OutboundEvent         = api.OutboundEvent
	EntityOperation       = api.EntityOperation
	EntityValue           = api.EntityValue
	BucketOperation       = api.BucketOperation
	SearchQuery           = api.SearchQuery
	RetryPolicy           = api.RetryPolicy
	Settled               = api.Settled

	TaskError          = api.TaskError
	ChildWorkflowError = api.ChildWorkflowError
	TimeoutError       = api.TimeoutError
	DeterminismError   = api.DeterminismError

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	OtelObserver         = api.OtelObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewOtelObserver      = api.NewOtelObserver

	WithTimeout       = api.WithTimeout
	WithTaskTimeout   = api.WithTaskTimeout
	WithExecutionName = api.WithExecutionName
	WithRetry         = api.WithRetry

	ExecutionTarget = api.ExecutionTarget
	ChildTarget     = api.ChildTarget

	All         = api.All
	AllSettled  = api.AllSettled
	Race        = api.Race
	ExecutionID = api.ExecutionID
)

// Re-export status values, event types and sentinel errors.

const (
	StatusInProgress = api.StatusInProgress
	StatusSucceeded  = api.StatusSucceeded
	StatusFailed     = api.StatusFailed

	EventWorkflowStarted       = api.EventWorkflowStarted
	EventWorkflowTurnCompleted = api.EventWorkflowTurnCompleted
	EventWorkflowSucceeded     = api.EventWorkflowSucceeded
	EventWorkflowFailed        = api.EventWorkflowFailed
	EventTimerScheduled        = api.EventTimerScheduled
	EventSignalReceived        = api.EventSignalReceived
)

var (
	ErrWorkflowNotFound   = engine.ErrWorkflowNotFound
	ErrExecutionCollision = engine.ErrExecutionCollision
	ErrDeterminism        = api.ErrDeterminism
	ErrTimeout            = api.ErrTimeout
)

// GetAs waits for f and converts its value to T.
func GetAs[T any](ctx Context, f Future) (T, error) {
	return api.GetAs[T](ctx, f)
}

// Convert converts a stored value to T.
func Convert[T any](v any) (T, error) {
	return api.Convert[T](v)
}
