package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/eventide/pkg/api"
)

type storeFactory func(t *testing.T) Store

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func localFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"in-memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite":    newSQLiteTestStore,
	}
}

func testExecution(id string) *api.Execution {
	wf, name, _ := api.ParseExecutionID(id)
	return &api.Execution{
		ID:            id,
		WorkflowName:  wf,
		ExecutionName: name,
		Status:        api.StatusInProgress,
		StartTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		InputHash:     "hash",
		Input:         "order-1",
	}
}

func TestStore_CreateAndGetExecution(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			exec := testExecution("orders/o-1")
			exec.Parent = &api.ParentRef{ExecutionID: "parent/p-1", Seq: 3}
			if err := store.CreateExecution(ctx, exec); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			if err := store.CreateExecution(ctx, exec); !errors.Is(err, ErrExecutionAlreadyExists) {
				t.Fatalf("expected ErrExecutionAlreadyExists, got %v", err)
			}

			got, err := store.GetExecution(ctx, exec.ID)
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.WorkflowName != "orders" || got.ExecutionName != "o-1" || got.Status != api.StatusInProgress {
				t.Fatalf("unexpected execution: %+v", got)
			}
			if got.Input != "order-1" {
				t.Fatalf("input not preserved: %#v", got.Input)
			}
			if got.Parent == nil || got.Parent.ExecutionID != "parent/p-1" || got.Parent.Seq != 3 {
				t.Fatalf("parent not preserved: %+v", got.Parent)
			}
			if !got.StartTime.Equal(exec.StartTime) {
				t.Fatalf("start time changed: %v", got.StartTime)
			}

			if _, err := store.GetExecution(ctx, "orders/missing"); !errors.Is(err, ErrExecutionNotFound) {
				t.Fatalf("expected ErrExecutionNotFound, got %v", err)
			}
		})
	}
}

func TestStore_UpdateStatusIsConditional(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			exec := testExecution("orders/o-2")
			if err := store.CreateExecution(ctx, exec); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}

			done := StatusTransition{
				ExecutionID: exec.ID,
				From:        api.StatusInProgress,
				To:          api.StatusSucceeded,
				EndTime:     exec.StartTime.Add(time.Minute),
				Result:      "shipped",
			}
			if err := store.UpdateStatus(ctx, done); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			// Repeating the same transition is a no-op.
			if err := store.UpdateStatus(ctx, done); err != nil {
				t.Fatalf("repeated UpdateStatus: %v", err)
			}

			failed := done
			failed.To = api.StatusFailed
			if err := store.UpdateStatus(ctx, failed); !errors.Is(err, ErrStatusConflict) {
				t.Fatalf("expected ErrStatusConflict, got %v", err)
			}

			got, err := store.GetExecution(ctx, exec.ID)
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.Status != api.StatusSucceeded || got.Result != "shipped" {
				t.Fatalf("unexpected execution after update: %+v", got)
			}

			missing := done
			missing.ExecutionID = "orders/none"
			if err := store.UpdateStatus(ctx, missing); !errors.Is(err, ErrExecutionNotFound) {
				t.Fatalf("expected ErrExecutionNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListExecutionsPages(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			for i := 0; i < 5; i++ {
				if err := store.CreateExecution(ctx, testExecution(fmt.Sprintf("orders/o-%d", i))); err != nil {
					t.Fatalf("CreateExecution: %v", err)
				}
			}
			if err := store.CreateExecution(ctx, testExecution("billing/b-1")); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			if err := store.UpdateStatus(ctx, StatusTransition{ExecutionID: "orders/o-4", From: api.StatusInProgress, To: api.StatusFailed}); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			var ids []string
			filter := api.ExecutionFilter{WorkflowName: "orders", Limit: 2}
			for page := 0; ; page++ {
				if page > 5 {
					t.Fatalf("paging did not terminate")
				}
				res, err := store.ListExecutions(ctx, filter)
				if err != nil {
					t.Fatalf("ListExecutions: %v", err)
				}
				for _, e := range res.Executions {
					ids = append(ids, e.ID)
				}
				if res.NextToken == "" {
					break
				}
				filter.NextToken = res.NextToken
			}
			want := []string{"orders/o-0", "orders/o-1", "orders/o-2", "orders/o-3", "orders/o-4"}
			if fmt.Sprint(ids) != fmt.Sprint(want) {
				t.Fatalf("expected %v, got %v", want, ids)
			}

			res, err := store.ListExecutions(ctx, api.ExecutionFilter{Statuses: []api.Status{api.StatusFailed}})
			if err != nil {
				t.Fatalf("ListExecutions by status: %v", err)
			}
			if len(res.Executions) != 1 || res.Executions[0].ID != "orders/o-4" {
				t.Fatalf("unexpected status filter result: %+v", res.Executions)
			}
		})
	}
}

func TestStore_HistoryIsAppendOnlyAndOrdered(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			id := "orders/o-1"

			first := []api.WorkflowEvent{
				api.NewWorkflowStarted("orders", "in", nil, 0),
				api.NewWorkflowTurnStarted(),
				api.NewTaskScheduled(0, "charge", "in"),
			}
			second := []api.WorkflowEvent{
				api.NewTaskSucceeded(0, "receipt"),
				api.NewWorkflowTurnCompleted(),
			}
			if err := store.AppendEvents(ctx, id, first); err != nil {
				t.Fatalf("AppendEvents: %v", err)
			}
			if err := store.AppendEvents(ctx, id, nil); err != nil {
				t.Fatalf("AppendEvents(empty): %v", err)
			}
			if err := store.AppendEvents(ctx, id, second); err != nil {
				t.Fatalf("AppendEvents: %v", err)
			}

			got, err := store.GetEvents(ctx, id)
			if err != nil {
				t.Fatalf("GetEvents: %v", err)
			}
			want := append(first, second...)
			if len(got) != len(want) {
				t.Fatalf("expected %d events, got %d", len(want), len(got))
			}
			for i := range want {
				if got[i].ID != want[i].ID || got[i].Type != want[i].Type {
					t.Fatalf("event %d: expected %s/%s, got %s/%s", i, want[i].ID, want[i].Type, got[i].ID, got[i].Type)
				}
			}
			if got[3].Result != "receipt" {
				t.Fatalf("result payload lost: %#v", got[3].Result)
			}

			other, err := store.GetEvents(ctx, "orders/other")
			if err != nil {
				t.Fatalf("GetEvents(other): %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("expected empty history, got %d events", len(other))
			}
		})
	}
}

func TestStore_ClaimTaskIsExclusive(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			const workers = 16
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.ClaimTask(ctx, "orders/o-1", 2, 0)
					if err != nil {
						t.Errorf("ClaimTask: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			if wins.Load() != 1 {
				t.Fatalf("expected exactly one claim, got %d", wins.Load())
			}

			// A retry is a different attempt and may be claimed again.
			ok, err := store.ClaimTask(ctx, "orders/o-1", 2, 1)
			if err != nil || !ok {
				t.Fatalf("expected retry claim to succeed, got %v, %v", ok, err)
			}
		})
	}
}

func TestStore_LeaseAcquireRenewRelease(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			id := "orders/o-1"

			acq, err := store.TryAcquireLease(ctx, id, "owner1", 100*time.Millisecond)
			if err != nil || !acq {
				t.Fatalf("expected owner1 to acquire, got %v, %v", acq, err)
			}
			acq, err = store.TryAcquireLease(ctx, id, "owner1", 100*time.Millisecond)
			if err != nil || !acq {
				t.Fatalf("expected re-entrant acquire, got %v, %v", acq, err)
			}
			acq, err = store.TryAcquireLease(ctx, id, "owner2", 100*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease owner2: %v", err)
			}
			if acq {
				t.Fatalf("expected owner2 not to acquire while active")
			}

			if err := store.RenewLease(ctx, id, "owner1", 100*time.Millisecond); err != nil {
				t.Fatalf("RenewLease owner1: %v", err)
			}
			if err := store.RenewLease(ctx, id, "owner2", 100*time.Millisecond); !errors.Is(err, ErrLeaseHeld) {
				t.Fatalf("expected ErrLeaseHeld, got %v", err)
			}
			if err := store.ReleaseLease(ctx, id, "owner2"); !errors.Is(err, ErrLeaseHeld) {
				t.Fatalf("expected ErrLeaseHeld on foreign release, got %v", err)
			}

			if err := store.ReleaseLease(ctx, id, "owner1"); err != nil {
				t.Fatalf("ReleaseLease: %v", err)
			}
			if err := store.ReleaseLease(ctx, id, "owner1"); err != nil {
				t.Fatalf("ReleaseLease should be idempotent: %v", err)
			}

			acq, err = store.TryAcquireLease(ctx, id, "owner2", 50*time.Millisecond)
			if err != nil || !acq {
				t.Fatalf("expected owner2 to acquire after release, got %v, %v", acq, err)
			}
			time.Sleep(80 * time.Millisecond)
			acq, err = store.TryAcquireLease(ctx, id, "owner3", 50*time.Millisecond)
			if err != nil || !acq {
				t.Fatalf("expected owner3 to take over an expired lease, got %v, %v", acq, err)
			}

			if _, err := store.TryAcquireLease(ctx, id, "owner3", 0); err == nil {
				t.Fatalf("expected error for zero ttl")
			}
		})
	}
}
