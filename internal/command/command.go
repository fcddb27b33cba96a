// Package command turns the calls a workflow issued into scheduled history
// events and the side effects that go with them.
//
// Side effects are returned as actions rather than run in place: the
// orchestrator persists the scheduled events first and dispatches the
// actions afterwards.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/eventide/internal/interpreter"
	"github.com/petrijr/eventide/pkg/api"
)

// ErrUnsupportedCall is returned for a call kind the executor has no entry
// for, either because the kind produces no command or because its client was
// not configured.
var ErrUnsupportedCall = errors.New("unsupported call")

// Action is one side effect of a call.
type Action func(ctx context.Context) error

// Config wires the clients the executor drives. Clients left nil disable
// the call kinds that need them.
type Config struct {
	Queue        ExecutionQueue
	Timers       TimerClient
	Tasks        TaskChannel
	Workflows    WorkflowClient
	Events       EventClient
	Entities     EntityClient
	Buckets      BucketClient
	Search       SearchClient
	Transactions TransactionClient

	// Now stamps task timeouts. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

type callExecutor func(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action)

// Executor maps calls to scheduled events and actions.
type Executor struct {
	cfg   Config
	table map[api.CallKind]callExecutor
}

// New builds an Executor and its call table.
func New(cfg Config) *Executor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	x := &Executor{cfg: cfg, table: make(map[api.CallKind]callExecutor)}

	if cfg.Timers != nil {
		x.table[api.CallTimer] = x.timer
	}
	if cfg.Tasks != nil {
		x.table[api.CallTask] = x.task
	}
	if cfg.Workflows != nil {
		x.table[api.CallChildWorkflow] = x.child
	}
	if cfg.Queue != nil {
		x.table[api.CallSendSignal] = x.sendSignal
	}
	if cfg.Events != nil {
		x.table[api.CallEmitEvents] = x.emitEvents
	}
	if cfg.Queue != nil {
		if cfg.Entities != nil {
			x.table[api.CallEntity] = x.entity
		}
		if cfg.Buckets != nil {
			x.table[api.CallBucket] = x.bucket
		}
		if cfg.Search != nil {
			x.table[api.CallSearch] = x.search
		}
		if cfg.Transactions != nil {
			x.table[api.CallTransaction] = x.transaction
		}
	}
	return x
}

// Supports reports whether calls of kind k can be executed.
func (x *Executor) Supports(k api.CallKind) bool {
	_, ok := x.table[k]
	return ok
}

// Execute maps calls to their scheduled events and actions, in call order.
// It has no side effects itself.
func (x *Executor) Execute(ctx context.Context, executionID string, calls []*interpreter.Call) ([]api.WorkflowEvent, []Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	events := make([]api.WorkflowEvent, 0, len(calls))
	actions := make([]Action, 0, len(calls))
	for _, c := range calls {
		exec, ok := x.table[c.Kind]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s at seq %d", ErrUnsupportedCall, c.Kind, c.Seq)
		}
		e, action := exec(executionID, c)
		events = append(events, e)
		if action != nil {
			actions = append(actions, action)
		}
	}
	return events, actions, nil
}

// Actions rebuilds the actions of calls whose scheduled events are already
// in history. It is used to re-dispatch a turn that crashed after persisting.
func (x *Executor) Actions(ctx context.Context, executionID string, calls []*interpreter.Call) ([]Action, error) {
	_, actions, err := x.Execute(ctx, executionID, calls)
	return actions, err
}

func (x *Executor) timer(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	seq, until := c.Seq, c.Until
	return api.NewTimerScheduled(seq, until), func(ctx context.Context) error {
		return x.cfg.Timers.ScheduleEvent(ctx, executionID, api.NewTimerCompleted(seq), until)
	}
}

func (x *Executor) task(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	workflowName, _, _ := api.ParseExecutionID(executionID)
	req := api.TaskRequest{
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		Seq:          c.Seq,
		TaskName:     c.Name,
		Input:        c.Input,
		Policy:       c.Retry,
	}
	timeout := c.TaskTimeout
	return api.NewTaskScheduled(c.Seq, c.Name, c.Input), func(ctx context.Context) error {
		req.ScheduledAt = x.cfg.Now()
		if err := x.cfg.Tasks.StartTask(ctx, req); err != nil {
			return fmt.Errorf("start task %s: %w", req.TaskName, err)
		}
		if timeout <= 0 || x.cfg.Timers == nil {
			return nil
		}
		return x.cfg.Timers.ScheduleEvent(ctx, executionID, api.NewTaskTimedOut(req.Seq), req.ScheduledAt.Add(timeout))
	}
}

func (x *Executor) child(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	seq := c.Seq
	req := api.StartExecutionRequest{
		WorkflowName:  c.Name,
		ExecutionName: c.ExecutionName,
		Input:         c.Input,
		Parent:        &api.ParentRef{ExecutionID: executionID, Seq: seq},
	}
	return api.NewChildWorkflowScheduled(seq, c.Name, c.ExecutionID, c.Input), func(ctx context.Context) error {
		_, err := x.cfg.Workflows.StartExecution(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, api.ErrExecutionCollision) && !errors.Is(err, api.ErrWorkflowNotFound) {
			return fmt.Errorf("start child %s: %w", req.WorkflowName, err)
		}
		// The child can never start; fail the call instead of retrying.
		failed := api.NewChildWorkflowFailed(seq, api.ErrorName(err), err.Error())
		return x.cfg.Queue.SubmitExecutionEvents(ctx, executionID, failed)
	}
}

func (x *Executor) sendSignal(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	target, signalID, payload := c.Target, c.SignalID, c.Payload
	// Stable per sending call, so a re-dispatched signal is dropped as a
	// duplicate by the receiver.
	deliveryID := fmt.Sprintf("%s/%d_%s", executionID, c.Seq, api.EventSignalReceived)
	return api.NewSignalSent(c.Seq, target, signalID, payload), func(ctx context.Context) error {
		if target.ExecutionID == "" {
			x.cfg.Logger.Warn("dropping signal with unresolved target",
				"execution_id", executionID, "signal_id", signalID, "child_seq", target.ChildSeq)
			return nil
		}
		return x.cfg.Queue.SubmitExecutionEvents(ctx, target.ExecutionID,
			api.NewSignalReceived(signalID, payload, deliveryID))
	}
}

func (x *Executor) emitEvents(_ string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	events := c.Events
	return api.NewEventsEmitted(c.Seq, events), func(ctx context.Context) error {
		if len(events) == 0 {
			return nil
		}
		return x.cfg.Events.EmitEvents(ctx, events...)
	}
}

// request runs fn and reports its outcome back to the execution.
func (x *Executor) request(executionID string, seq int, kind api.CallKind, succeeded, failed api.EventType, fn func(ctx context.Context) (any, error)) Action {
	return func(ctx context.Context) error {
		result, err := fn(ctx)
		var e api.WorkflowEvent
		if err != nil {
			x.cfg.Logger.Debug("request failed",
				"execution_id", executionID, "seq", seq, "kind", kind.String(), "error", err)
			e = api.NewRequestFailed(failed, seq, api.ErrorName(err), err.Error())
		} else {
			e = api.NewRequestSucceeded(succeeded, seq, result)
		}
		return x.cfg.Queue.SubmitExecutionEvents(ctx, executionID, e)
	}
}

func (x *Executor) entity(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	op := *c.Entity
	return api.NewEntityRequest(c.Seq, op), x.request(executionID, c.Seq, api.CallEntity,
		api.EventEntityRequestSucceeded, api.EventEntityRequestFailed,
		func(ctx context.Context) (any, error) { return x.cfg.Entities.Execute(ctx, op) })
}

func (x *Executor) bucket(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	op := *c.Bucket
	return api.NewBucketRequest(c.Seq, op), x.request(executionID, c.Seq, api.CallBucket,
		api.EventBucketRequestSucceeded, api.EventBucketRequestFailed,
		func(ctx context.Context) (any, error) { return x.cfg.Buckets.Execute(ctx, op) })
}

func (x *Executor) search(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	q := *c.Search
	return api.NewSearchRequest(c.Seq, q), x.request(executionID, c.Seq, api.CallSearch,
		api.EventSearchRequestSucceeded, api.EventSearchRequestFailed,
		func(ctx context.Context) (any, error) { return x.cfg.Search.Execute(ctx, q) })
}

func (x *Executor) transaction(executionID string, c *interpreter.Call) (api.WorkflowEvent, Action) {
	name, input := c.Name, c.Input
	return api.NewTransactionRequest(c.Seq, name, input), x.request(executionID, c.Seq, api.CallTransaction,
		api.EventTransactionRequestSucceeded, api.EventTransactionRequestFailed,
		func(ctx context.Context) (any, error) { return x.cfg.Transactions.Invoke(ctx, name, input) })
}
