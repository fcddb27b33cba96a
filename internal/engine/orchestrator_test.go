package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

func chargeWorkflow(ctx api.Context, input any) (any, error) {
	ctx.Logger().Info("charging", "order", input)
	receipt, err := ctx.ExecuteTask("charge", input).Get(ctx)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("shipped:%v", receipt), nil
}

func TestProcessTurn_TaskRoundTrip(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.RegisterWorkflow("orders", chargeWorkflow); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	id := h.start(t, "orders", "o-1", "order-1")

	outcome := h.turn(t, id)
	if outcome.Commands != 1 || outcome.Status != api.StatusInProgress {
		t.Fatalf("unexpected first turn outcome: %+v", outcome)
	}
	reqs := h.tasks.requests()
	if len(reqs) != 1 || reqs[0].TaskName != "charge" || reqs[0].Seq != 0 || reqs[0].Retry != 0 {
		t.Fatalf("unexpected task requests: %+v", reqs)
	}
	if reqs[0].Input != "order-1" || reqs[0].WorkflowName != "orders" {
		t.Fatalf("task request lost its input: %+v", reqs[0])
	}

	want := []api.EventType{
		api.EventWorkflowStarted,
		api.EventWorkflowTurnStarted,
		api.EventTaskScheduled,
		api.EventWorkflowTurnCompleted,
	}
	if got := eventTypes(h.history(t, id)); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}

	if err := h.queue.SubmitExecutionEvents(context.Background(), id, api.NewTaskSucceeded(0, "r-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	outcome = h.turn(t, id)
	if outcome.Status != api.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %+v", outcome)
	}

	exec, err := h.client.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != api.StatusSucceeded || exec.Result != "shipped:r-1" {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	history := h.history(t, id)
	last := history[len(history)-1]
	if last.Type != api.EventWorkflowSucceeded || last.Result != "shipped:r-1" {
		t.Fatalf("expected WorkflowSucceeded last, got %s", last.Type)
	}

	// Logged once, in the first turn; the replay in the second is silent.
	entries := h.logs.Entries(id)
	if len(entries) != 1 || entries[0].Message != "charging" {
		t.Fatalf("expected one forwarded log line, got %+v", entries)
	}
}

func TestProcessTurn_FailedTaskFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	id := h.start(t, "orders", "o-1", "order-1")
	h.turn(t, id)

	_ = h.queue.SubmitExecutionEvents(context.Background(), id, api.NewTaskFailed(0, "CardDeclined", "insufficient funds"))
	outcome := h.turn(t, id)
	if outcome.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %+v", outcome)
	}
	exec, _ := h.client.GetExecution(context.Background(), id)
	if exec.Error != "CardDeclined" || !strings.Contains(exec.Message, "insufficient funds") {
		t.Fatalf("unexpected failure details: %q / %q", exec.Error, exec.Message)
	}
}

func TestProcessTurn_DropsDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	id := h.start(t, "orders", "o-1", "order-1")

	start := h.queue.take(id)
	doubled := append(append([]api.WorkflowEvent{}, start...), start...)
	if _, err := h.orch.ProcessTurn(context.Background(), id, doubled); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	outcome, err := h.orch.ProcessTurn(context.Background(), id, start)
	if err != nil {
		t.Fatalf("ProcessTurn(duplicate): %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected duplicate-only turn to be skipped, got %+v", outcome)
	}

	started := 0
	for _, e := range h.history(t, id) {
		if e.Type == api.EventWorkflowStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected one WorkflowStarted in history, got %d", started)
	}
	if n := len(h.tasks.requests()); n != 1 {
		t.Fatalf("expected one task request, got %d", n)
	}
}

func TestProcessTurn_MissingStartEventIsPermanent(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	ctx := context.Background()

	if err := h.store.CreateExecution(ctx, &api.Execution{
		ID:           "orders/o-9",
		WorkflowName: "orders",
		Status:       api.StatusInProgress,
	}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	_, err := h.orch.ProcessTurn(ctx, "orders/o-9", []api.WorkflowEvent{api.NewSignalReceived("go", nil, "")})
	if !errors.Is(err, api.ErrMissingStartEvent) {
		t.Fatalf("expected ErrMissingStartEvent, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatalf("expected missing start event to be permanent")
	}
}

func TestProcessTurn_IgnoresTerminalExecution(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("noop", func(ctx api.Context, input any) (any, error) {
		return "done", nil
	})
	id := h.start(t, "noop", "n-1", nil)
	if outcome := h.turn(t, id); outcome.Status != api.StatusSucceeded {
		t.Fatalf("expected immediate success, got %+v", outcome)
	}
	before := len(h.history(t, id))

	outcome, err := h.orch.ProcessTurn(context.Background(), id, []api.WorkflowEvent{api.NewSignalReceived("late", nil, "")})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected turn on terminal execution to be skipped")
	}
	if after := len(h.history(t, id)); after != before {
		t.Fatalf("history changed from %d to %d events", before, after)
	}
}

func TestProcessTurn_NotifiesParent(t *testing.T) {
	tests := []struct {
		name     string
		program  api.WorkflowFunc
		wantType api.EventType
	}{
		{
			name:     "success",
			program:  func(ctx api.Context, input any) (any, error) { return "child-ok", nil },
			wantType: api.EventChildWorkflowSucceeded,
		},
		{
			name:     "failure",
			program:  func(ctx api.Context, input any) (any, error) { return nil, errors.New("boom") },
			wantType: api.EventChildWorkflowFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.registry.RegisterWorkflow("child", tt.program)

			resp, err := h.client.StartExecution(context.Background(), api.StartExecutionRequest{
				WorkflowName:  "child",
				ExecutionName: "c-1",
				Parent:        &api.ParentRef{ExecutionID: "parent/p-1", Seq: 3},
			})
			if err != nil {
				t.Fatalf("StartExecution: %v", err)
			}
			h.turn(t, resp.ExecutionID)

			got := h.queue.take("parent/p-1")
			if len(got) != 1 {
				t.Fatalf("expected one event for the parent, got %d", len(got))
			}
			if got[0].Type != tt.wantType || got[0].Seq != 3 {
				t.Fatalf("expected %s{seq:3}, got %s{seq:%d}", tt.wantType, got[0].Type, got[0].Seq)
			}
			if got[0].ID != api.SeqEventID(3, tt.wantType) {
				t.Fatalf("parent event id is not stable: %s", got[0].ID)
			}
		})
	}
}

func TestProcessTurn_ChildWorkflowEndToEnd(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("child", func(ctx api.Context, input any) (any, error) {
		return fmt.Sprintf("hello %v", input), nil
	})
	_ = h.registry.RegisterWorkflow("parent", func(ctx api.Context, input any) (any, error) {
		return ctx.ExecuteChildWorkflow("child", input).Get(ctx)
	})

	parentID := h.start(t, "parent", "p-1", "world")
	h.turn(t, parentID)

	childID := api.ExecutionID("child", api.ChildExecutionName(parentID, 0))
	child, err := h.client.GetExecution(context.Background(), childID)
	if err != nil {
		t.Fatalf("child execution not created: %v", err)
	}
	if child.Parent == nil || child.Parent.ExecutionID != parentID || child.Parent.Seq != 0 {
		t.Fatalf("unexpected child parent ref: %+v", child.Parent)
	}

	h.turn(t, childID)
	if outcome := h.turn(t, parentID); outcome.Status != api.StatusSucceeded {
		t.Fatalf("expected parent to succeed, got %+v", outcome)
	}
	parent, _ := h.client.GetExecution(context.Background(), parentID)
	if parent.Result != "hello world" {
		t.Fatalf("unexpected parent result: %#v", parent.Result)
	}
}

func TestProcessTurn_RedispatchesInterruptedTurn(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	ctx := context.Background()
	id := "orders/o-1"

	if err := h.store.CreateExecution(ctx, &api.Execution{ID: id, WorkflowName: "orders", Status: api.StatusInProgress}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	// A turn that persisted its scheduled task and crashed before finishing.
	if err := h.store.AppendEvents(ctx, id, []api.WorkflowEvent{
		api.NewWorkflowStarted("orders", "order-1", nil, 0),
		api.NewWorkflowTurnStarted(),
		api.NewTaskScheduled(0, "charge", "order-1"),
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	outcome, err := h.orch.ProcessTurn(ctx, id, nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if outcome.Redispatched != 1 || outcome.Commands != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	reqs := h.tasks.requests()
	if len(reqs) != 1 || reqs[0].Seq != 0 || reqs[0].TaskName != "charge" {
		t.Fatalf("expected the recorded task to be re-dispatched, got %+v", reqs)
	}

	history := h.history(t, id)
	if history[len(history)-1].Type != api.EventWorkflowTurnCompleted {
		t.Fatalf("expected recovery turn to complete, got %v", eventTypes(history))
	}

	// The completed turn is not re-dispatched again.
	outcome, err = h.orch.ProcessTurn(ctx, id, nil)
	if err != nil || !outcome.Skipped {
		t.Fatalf("expected nothing to do, got %+v, %v", outcome, err)
	}
}

func TestProcessTurn_DeterminismViolation(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	ctx := context.Background()
	id := "orders/o-1"

	_ = h.store.CreateExecution(ctx, &api.Execution{ID: id, WorkflowName: "orders", Status: api.StatusInProgress})
	_ = h.store.AppendEvents(ctx, id, []api.WorkflowEvent{
		api.NewWorkflowStarted("orders", "order-1", nil, 0),
		api.NewWorkflowTurnStarted(),
		api.NewTaskScheduled(0, "refund", "order-1"),
		api.NewWorkflowTurnCompleted(),
	})

	_, err := h.orch.ProcessTurn(ctx, id, []api.WorkflowEvent{api.NewTaskSucceeded(0, "r")})
	var derr *api.DeterminismError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeterminismError, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatalf("expected determinism errors to be permanent")
	}
	if n := len(h.tasks.requests()); n != 0 {
		t.Fatalf("expected no side effects, got %d task requests", n)
	}
}

func TestProcessTurn_LeaseHeldIsTransient(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	id := h.start(t, "orders", "o-1", "order-1")

	ok, err := h.store.TryAcquireLease(context.Background(), id, "someone-else", DefaultLeaseTTL)
	if err != nil || !ok {
		t.Fatalf("TryAcquireLease: %v, %v", ok, err)
	}
	_, err = h.orch.ProcessTurn(context.Background(), id, h.queue.take(id))
	if !errors.Is(err, persistence.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("lease contention must be retried")
	}
}

func TestProcessTurn_ExecutionTimeoutFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", chargeWorkflow)
	h.turn(t, h.start(t, "orders", "o-1", "order-1"))

	id := "orders/o-1"
	_ = h.queue.SubmitExecutionEvents(context.Background(), id, api.NewWorkflowTimedOut())
	if outcome := h.turn(t, id); outcome.Status != api.StatusFailed {
		t.Fatalf("expected timeout to fail the workflow, got %+v", outcome)
	}
	exec, _ := h.client.GetExecution(context.Background(), id)
	if exec.Error != "Timeout" {
		t.Fatalf("expected Timeout error name, got %q", exec.Error)
	}
}
