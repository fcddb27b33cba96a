package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

var (
	// ErrExecutionNotFound is returned when an execution record does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists is returned by CreateExecution when the id is
	// taken.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrStatusConflict is returned by UpdateStatus when the execution is
	// neither in the expected source status nor already in the target one.
	ErrStatusConflict = errors.New("execution status conflict")

	// ErrLeaseHeld is returned when a lease operation is attempted by someone
	// other than the current owner.
	ErrLeaseHeld = errors.New("execution lease held by another owner")
)

// DefaultPageSize is used when an ExecutionFilter has no limit.
const DefaultPageSize = 100

// StatusTransition moves an execution from one status to another.
type StatusTransition struct {
	ExecutionID string
	From        api.Status
	To          api.Status

	EndTime time.Time
	Result  any
	Error   string
	Message string
}

// ExecutionStore keeps execution records.
type ExecutionStore interface {
	// CreateExecution inserts exec, failing with ErrExecutionAlreadyExists if
	// the id is taken.
	CreateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)

	// UpdateStatus applies t only if the execution is in t.From. Repeating a
	// transition that already happened is a no-op.
	UpdateStatus(ctx context.Context, t StatusTransition) error

	// ListExecutions returns executions ordered by id.
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the lease on an
	// execution. If another owner holds an unexpired lease it returns
	// acquired=false, err=nil. A lease held by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends a lease owned by owner; otherwise ErrLeaseHeld.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// HistoryStore is the append-only event log of every execution.
type HistoryStore interface {
	GetEvents(ctx context.Context, executionID string) ([]api.WorkflowEvent, error)
	AppendEvents(ctx context.Context, executionID string, events []api.WorkflowEvent) error
}

// ClaimStore records which task attempts have been taken by a worker.
type ClaimStore interface {
	// ClaimTask returns true for exactly one caller per (executionID, seq,
	// retry).
	ClaimTask(ctx context.Context, executionID string, seq, retry int) (bool, error)
}

// Store is implemented by every backend in this package.
type Store interface {
	ExecutionStore
	HistoryStore
	ClaimStore
}

func pageSize(filter api.ExecutionFilter) int {
	if filter.Limit <= 0 {
		return DefaultPageSize
	}
	return filter.Limit
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	return nil
}
