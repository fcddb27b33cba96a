package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

func noopWorkflow(ctx api.Context, input any) (any, error) { return input, nil }

func TestStartExecution_IsIdempotentPerInput(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", noopWorkflow)
	ctx := context.Background()
	req := api.StartExecutionRequest{WorkflowName: "orders", ExecutionName: "o-1", Input: map[string]any{"sku": "a"}}

	first, err := h.client.StartExecution(ctx, req)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if first.AlreadyRunning || first.ExecutionID != "orders/o-1" {
		t.Fatalf("unexpected first response: %+v", first)
	}

	second, err := h.client.StartExecution(ctx, req)
	if err != nil {
		t.Fatalf("repeated StartExecution: %v", err)
	}
	if !second.AlreadyRunning || second.ExecutionID != first.ExecutionID {
		t.Fatalf("expected AlreadyRunning for the same input, got %+v", second)
	}

	// Both starts queued the same event id; the orchestrator keeps one.
	queued := h.queue.take(first.ExecutionID)
	if len(queued) != 2 || queued[0].ID != queued[1].ID {
		t.Fatalf("expected two identical start events, got %+v", queued)
	}

	req.Input = map[string]any{"sku": "b"}
	if _, err := h.client.StartExecution(ctx, req); !errors.Is(err, ErrExecutionCollision) {
		t.Fatalf("expected ErrExecutionCollision, got %v", err)
	}
}

func TestStartExecution_Validation(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", noopWorkflow)
	ctx := context.Background()

	if _, err := h.client.StartExecution(ctx, api.StartExecutionRequest{}); err == nil {
		t.Fatalf("expected an error for a missing workflow name")
	}
	if _, err := h.client.StartExecution(ctx, api.StartExecutionRequest{WorkflowName: "orders", Timeout: -time.Second}); err == nil {
		t.Fatalf("expected an error for a negative timeout")
	}
	if _, err := h.client.StartExecution(ctx, api.StartExecutionRequest{WorkflowName: "orders/eu", ExecutionName: "o-1"}); err == nil {
		t.Fatalf("expected an error for a workflow name containing '/'")
	}
	if _, err := h.client.StartExecution(ctx, api.StartExecutionRequest{WorkflowName: "missing"}); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}

	resp, err := h.client.StartExecution(ctx, api.StartExecutionRequest{WorkflowName: "orders"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if _, name, err := api.ParseExecutionID(resp.ExecutionID); err != nil || name == "" {
		t.Fatalf("expected a generated execution name, got %q", resp.ExecutionID)
	}
}

func TestStartExecution_SchedulesTimeout(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", noopWorkflow)

	resp, err := h.client.StartExecution(context.Background(), api.StartExecutionRequest{
		WorkflowName:  "orders",
		ExecutionName: "o-1",
		Timeout:       time.Hour,
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	exec, _ := h.client.GetExecution(context.Background(), resp.ExecutionID)

	if len(h.timers.timers) != 1 {
		t.Fatalf("expected one timer, got %d", len(h.timers.timers))
	}
	tm := h.timers.timers[0]
	if tm.event.Type != api.EventWorkflowTimedOut || tm.executionID != resp.ExecutionID {
		t.Fatalf("unexpected timer: %+v", tm)
	}
	if !tm.fireAt.Equal(exec.StartTime.Add(time.Hour)) {
		t.Fatalf("expected timeout at start+1h, got %v", tm.fireAt)
	}

	again, err := h.client.StartExecution(context.Background(), api.StartExecutionRequest{
		WorkflowName:  "orders",
		ExecutionName: "o-1",
		Timeout:       time.Hour,
	})
	if err != nil || !again.AlreadyRunning {
		t.Fatalf("repeated StartExecution: %+v, %v", again, err)
	}
	if len(h.timers.timers) != 1 {
		t.Fatalf("a repeated start must not arm another timeout, got %d timers", len(h.timers.timers))
	}
}

func TestSendSignal(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("approval", func(ctx api.Context, input any) (any, error) {
		return ctx.ExpectSignal("approve").Get(ctx)
	})
	ctx := context.Background()
	id := h.start(t, "approval", "a-1", nil)
	h.turn(t, id)

	if err := h.client.SendSignal(ctx, "approval/missing", "approve", nil, ""); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}

	if err := h.client.SendSignal(ctx, id, "approve", "yes", "req-1"); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if err := h.client.SendSignal(ctx, id, "approve", "yes", "req-1"); err != nil {
		t.Fatalf("SendSignal (repeat): %v", err)
	}
	if outcome := h.turn(t, id); outcome.Status != api.StatusSucceeded {
		t.Fatalf("expected approval to complete, got %+v", outcome)
	}

	received := 0
	for _, e := range h.history(t, id) {
		if e.Type == api.EventSignalReceived {
			received++
		}
	}
	if received != 1 {
		t.Fatalf("expected the repeated delivery to be dropped, got %d signals", received)
	}

	if err := h.client.SendSignal(ctx, id, "approve", "again", ""); err == nil {
		t.Fatalf("expected signalling a finished execution to fail")
	}
}

func TestListExecutionsAndHistory(t *testing.T) {
	h := newHarness(t)
	_ = h.registry.RegisterWorkflow("orders", noopWorkflow)
	ctx := context.Background()

	done := h.start(t, "orders", "o-1", 1)
	h.start(t, "orders", "o-2", 2)
	h.turn(t, done)

	page, err := h.client.ListExecutions(ctx, api.ExecutionFilter{WorkflowName: "orders"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(page.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(page.Executions))
	}

	page, err = h.client.ListExecutions(ctx, api.ExecutionFilter{Statuses: []api.Status{api.StatusSucceeded}})
	if err != nil {
		t.Fatalf("ListExecutions by status: %v", err)
	}
	if len(page.Executions) != 1 || page.Executions[0].ID != done {
		t.Fatalf("unexpected status filter result: %+v", page.Executions)
	}

	history, err := h.client.GetHistory(ctx, done)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) == 0 || history[0].Type != api.EventWorkflowStarted {
		t.Fatalf("unexpected history: %v", eventTypes(history))
	}
	if _, err := h.client.GetHistory(ctx, "orders/none"); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	exec, err := h.client.WaitForCompletion(waitCtx, done, time.Millisecond)
	if err != nil || exec.Result != 1 {
		t.Fatalf("WaitForCompletion: %+v, %v", exec, err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterWorkflow("orders", noopWorkflow); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if err := r.RegisterWorkflow("orders", noopWorkflow); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := r.RegisterWorkflow("orders/eu", noopWorkflow); err == nil {
		t.Fatalf("expected a workflow name with '/' to be rejected")
	}
	if _, err := r.Workflow("missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}

	policy := api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}
	if err := r.RegisterTask("charge", func(ctx context.Context, input any) (any, error) { return nil, nil }, policy); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	_, got, err := r.Task("charge")
	if err != nil || got.MaxAttempts != 3 {
		t.Fatalf("Task: %+v, %v", got, err)
	}
	if _, _, err := r.Task("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if names := r.WorkflowNames(); len(names) != 1 || names[0] != "orders" {
		t.Fatalf("unexpected names: %v", names)
	}
}
