// Package engine runs workflow turns and starts executions.
//
// An Orchestrator owns one turn at a time per execution: it loads history,
// replays the workflow program through the interpreter, persists the
// scheduled events and only then dispatches their side effects.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/eventide/internal/command"
	"github.com/petrijr/eventide/internal/interpreter"
	"github.com/petrijr/eventide/internal/logs"
	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

// DefaultLeaseTTL bounds how long a crashed orchestrator keeps an execution
// locked.
const DefaultLeaseTTL = 30 * time.Second

// ExecutionQueue delivers events to an execution's orchestrator.
type ExecutionQueue interface {
	SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error
}

// Config describes how to construct an Orchestrator.
type Config struct {
	Persistence persistence.Persistence
	Registry    *Registry
	Executor    *command.Executor

	// Queue receives the result events a finished child sends its parent.
	Queue ExecutionQueue

	// Logs, when set, receives the log lines of workflow programs.
	Logs     logs.Client
	LogLevel slog.Leveler

	// LeaseOwner identifies this orchestrator in execution leases. Defaults
	// to a random uuid.
	LeaseOwner string
	LeaseTTL   time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

// Orchestrator processes turns.
type Orchestrator struct {
	cfg Config
}

// TurnOutcome summarizes a processed turn.
type TurnOutcome struct {
	// Skipped is true when the turn did nothing: the execution was already
	// terminal or every incoming event was a duplicate.
	Skipped bool

	// Commands is the number of new calls scheduled in this turn.
	Commands int

	// Redispatched is the number of calls re-dispatched from a turn that did
	// not complete.
	Redispatched int

	Status api.Status
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Persistence.Executions == nil || cfg.Persistence.History == nil {
		return nil, errors.New("engine: execution and history stores are required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: command executor is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: execution queue is required")
	}
	if cfg.LeaseOwner == "" {
		cfg.LeaseOwner = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// IsPermanent reports whether a turn error will repeat on every redelivery.
// Such turns are acknowledged and logged instead of retried.
func IsPermanent(err error) bool {
	return errors.Is(err, api.ErrDeterminism) ||
		errors.Is(err, command.ErrUnsupportedCall) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, persistence.ErrExecutionNotFound)
}

// ProcessTurn runs one turn of executionID with the incoming events, in
// delivery order.
func (o *Orchestrator) ProcessTurn(ctx context.Context, executionID string, incoming []api.WorkflowEvent) (outcome TurnOutcome, err error) {
	start := time.Now()
	o.cfg.Observer.OnTurnStart(ctx, executionID, len(incoming))
	defer func() {
		o.cfg.Observer.OnTurnCompleted(ctx, executionID, outcome.Commands, err, time.Since(start))
	}()

	acquired, err := o.cfg.Persistence.Executions.TryAcquireLease(ctx, executionID, o.cfg.LeaseOwner, o.cfg.LeaseTTL)
	if err != nil {
		return outcome, fmt.Errorf("acquire lease of %s: %w", executionID, err)
	}
	if !acquired {
		return outcome, fmt.Errorf("execution %s: %w", executionID, persistence.ErrLeaseHeld)
	}
	defer func() {
		if rerr := o.cfg.Persistence.Executions.ReleaseLease(context.WithoutCancel(ctx), executionID, o.cfg.LeaseOwner); rerr != nil {
			o.cfg.Logger.Warn("release lease failed", "execution_id", executionID, "error", rerr)
		}
	}()

	exec, err := o.cfg.Persistence.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return outcome, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	outcome.Status = exec.Status
	if exec.Status.IsTerminal() {
		o.cfg.Logger.Debug("ignoring turn for terminal execution",
			"execution_id", executionID, "status", exec.Status, "events", len(incoming))
		outcome.Skipped = true
		return outcome, nil
	}

	history, err := o.cfg.Persistence.History.GetEvents(ctx, executionID)
	if err != nil {
		return outcome, fmt.Errorf("load history of %s: %w", executionID, err)
	}

	fresh := dedupe(history, incoming)
	interrupted := interruptedTurn(history)
	if len(fresh) == 0 && interrupted == nil {
		outcome.Skipped = true
		return outcome, nil
	}

	merged := make([]api.WorkflowEvent, 0, len(history)+len(fresh)+1)
	merged = append(merged, history...)
	merged = append(merged, fresh...)
	started, ok := findStarted(merged)
	if !ok {
		return outcome, api.ErrMissingStartEvent
	}

	program, err := o.cfg.Registry.Workflow(exec.WorkflowName)
	if err != nil {
		return outcome, err
	}

	turnStarted := api.NewWorkflowTurnStarted()
	merged = append(merged, turnStarted)

	out, err := interpreter.Interpret(program, api.FilterHistory(merged), interpreter.Options{
		ExecutionID:  executionID,
		WorkflowName: exec.WorkflowName,
		Input:        started.Input,
		StartTime:    started.Timestamp,
		Replaying:    hasTurn(history),
		ReplayCount:  len(api.FilterHistory(history)),
		Logger:       o.workflowLogger(exec),
	})
	if err != nil {
		return outcome, fmt.Errorf("interpret %s: %w", executionID, err)
	}

	scheduled, actions, err := o.cfg.Executor.Execute(ctx, executionID, out.Commands)
	if err != nil {
		return outcome, fmt.Errorf("execute commands of %s: %w", executionID, err)
	}
	outcome.Commands = len(out.Commands)

	if interrupted != nil {
		var recovered []*interpreter.Call
		for _, c := range out.Recorded {
			if interrupted[c.Seq] {
				recovered = append(recovered, c)
			}
		}
		redo, err := o.cfg.Executor.Actions(ctx, executionID, recovered)
		if err != nil {
			return outcome, fmt.Errorf("rebuild actions of %s: %w", executionID, err)
		}
		actions = append(redo, actions...)
		outcome.Redispatched = len(recovered)
		o.cfg.Logger.Info("re-dispatching interrupted turn", "execution_id", executionID, "calls", len(recovered))
	}

	batch := make([]api.WorkflowEvent, 0, len(fresh)+1+len(scheduled))
	batch = append(batch, fresh...)
	batch = append(batch, turnStarted)
	batch = append(batch, scheduled...)
	if err := o.cfg.Persistence.History.AppendEvents(ctx, executionID, batch); err != nil {
		return outcome, fmt.Errorf("append history of %s: %w", executionID, err)
	}

	if err := command.Dispatch(ctx, actions); err != nil {
		o.cfg.Logger.Error("dispatch failed", "execution_id", executionID, "error", err)
		return outcome, fmt.Errorf("dispatch %s: %w", executionID, err)
	}

	final := []api.WorkflowEvent{api.NewWorkflowTurnCompleted()}
	if out.Result != nil {
		terminal, err := o.finish(ctx, exec, out.Result)
		if err != nil {
			return outcome, err
		}
		final = append(final, terminal)
		outcome.Status = exec.Status
	}
	if err := o.cfg.Persistence.History.AppendEvents(ctx, executionID, final); err != nil {
		return outcome, fmt.Errorf("append finalize events of %s: %w", executionID, err)
	}
	return outcome, nil
}

// finish notifies the parent and moves the execution to its terminal status.
// The parent is notified first: its result event has a stable id, so a
// repeated notification after a failed status update is dropped there.
func (o *Orchestrator) finish(ctx context.Context, exec *api.Execution, result *interpreter.Result) (api.WorkflowEvent, error) {
	t := persistence.StatusTransition{
		ExecutionID: exec.ID,
		From:        api.StatusInProgress,
		EndTime:     api.Now(),
	}
	var terminal api.WorkflowEvent
	if result.Err != nil {
		t.To = api.StatusFailed
		t.Error = api.ErrorName(result.Err)
		t.Message = result.Err.Error()
		terminal = api.NewWorkflowFailed(t.Error, t.Message)
	} else {
		t.To = api.StatusSucceeded
		t.Result = result.Value
		terminal = api.NewWorkflowSucceeded(result.Value)
	}

	if exec.Parent != nil {
		var notify api.WorkflowEvent
		if result.Err != nil {
			notify = api.NewChildWorkflowFailed(exec.Parent.Seq, t.Error, t.Message)
		} else {
			notify = api.NewChildWorkflowSucceeded(exec.Parent.Seq, result.Value)
		}
		if err := o.cfg.Queue.SubmitExecutionEvents(ctx, exec.Parent.ExecutionID, notify); err != nil {
			return terminal, fmt.Errorf("notify parent %s of %s: %w", exec.Parent.ExecutionID, exec.ID, err)
		}
	}

	if err := o.cfg.Persistence.Executions.UpdateStatus(ctx, t); err != nil {
		return terminal, fmt.Errorf("update status of %s: %w", exec.ID, err)
	}

	exec.Status = t.To
	exec.EndTime = t.EndTime
	exec.Result = t.Result
	exec.Error = t.Error
	exec.Message = t.Message
	if result.Err != nil {
		o.cfg.Observer.OnWorkflowFailed(ctx, exec, result.Err)
	} else {
		o.cfg.Observer.OnWorkflowSucceeded(ctx, exec)
	}
	return terminal, nil
}

func (o *Orchestrator) workflowLogger(exec *api.Execution) *slog.Logger {
	logger := o.cfg.Logger
	if o.cfg.Logs != nil {
		logger = slog.New(logs.Tee(logger.Handler(), logs.NewHandler(o.cfg.Logs, exec.ID, o.cfg.LogLevel)))
	}
	return logger.With("execution_id", exec.ID, "workflow", exec.WorkflowName)
}

// dedupe returns the incoming events whose ids are neither in history nor
// earlier in incoming.
func dedupe(history, incoming []api.WorkflowEvent) []api.WorkflowEvent {
	seen := make(map[string]struct{}, len(history)+len(incoming))
	for _, e := range history {
		seen[e.ID] = struct{}{}
	}
	out := make([]api.WorkflowEvent, 0, len(incoming))
	for _, e := range incoming {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

func findStarted(events []api.WorkflowEvent) (api.WorkflowEvent, bool) {
	for _, e := range events {
		if e.Type == api.EventWorkflowStarted {
			return e, true
		}
	}
	return api.WorkflowEvent{}, false
}

func hasTurn(history []api.WorkflowEvent) bool {
	for _, e := range history {
		if e.Type == api.EventWorkflowTurnStarted {
			return true
		}
	}
	return false
}

// interruptedTurn returns the seqs scheduled by the last turn if it has no
// completion marker, and nil otherwise.
func interruptedTurn(history []api.WorkflowEvent) map[int]bool {
	last := -1
	for i, e := range history {
		switch e.Type {
		case api.EventWorkflowTurnStarted:
			last = i
		case api.EventWorkflowTurnCompleted:
			last = -1
		}
	}
	if last < 0 {
		return nil
	}
	seqs := make(map[int]bool)
	for _, e := range history[last+1:] {
		if e.Type.IsScheduled() {
			seqs[e.Seq] = true
		}
	}
	return seqs
}
