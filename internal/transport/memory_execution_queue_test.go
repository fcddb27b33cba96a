package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

func receive(t *testing.T, c ExecutionConsumer, max int) []*Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ds, err := c.Receive(ctx, max)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return ds
}

func TestMemoryExecutionQueue_BatchesInSubmissionOrder(t *testing.T) {
	q := NewMemoryExecutionQueue(10 * time.Millisecond)
	ctx := context.Background()

	if err := q.SubmitExecutionEvents(ctx, "wf/a", api.NewTimerCompleted(0), api.NewTimerCompleted(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.SubmitExecutionEvents(ctx, "wf/b", api.NewTimerCompleted(0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ds := receive(t, q, 10)
	if len(ds) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(ds))
	}
	if ds[0].ExecutionID != "wf/a" || ds[0].Event.Seq != 0 || ds[1].Event.Seq != 1 || ds[2].ExecutionID != "wf/b" {
		t.Fatalf("unexpected order: %+v", ds)
	}
	for _, d := range ds {
		d.Ack()
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after ack, got %d", q.Len())
	}
}

func TestMemoryExecutionQueue_HoldsBackExecutionWhileInFlight(t *testing.T) {
	q := NewMemoryExecutionQueue(10 * time.Millisecond)
	ctx := context.Background()

	_ = q.SubmitExecutionEvents(ctx, "wf/a", api.NewTimerCompleted(0))
	first := receive(t, q, 1)

	_ = q.SubmitExecutionEvents(ctx, "wf/a", api.NewTimerCompleted(1))
	_ = q.SubmitExecutionEvents(ctx, "wf/b", api.NewTimerCompleted(0))

	second := receive(t, q, 10)
	if len(second) != 1 || second[0].ExecutionID != "wf/b" {
		t.Fatalf("expected only wf/b while wf/a is in flight, got %+v", second)
	}
	second[0].Ack()

	first[0].Ack()
	third := receive(t, q, 10)
	if len(third) != 1 || third[0].ExecutionID != "wf/a" || third[0].Event.Seq != 1 {
		t.Fatalf("expected wf/a seq 1, got %+v", third)
	}
}

func TestMemoryExecutionQueue_NackRedeliversInOrder(t *testing.T) {
	q := NewMemoryExecutionQueue(30 * time.Millisecond)
	ctx := context.Background()

	_ = q.SubmitExecutionEvents(ctx, "wf/a", api.NewTimerCompleted(0), api.NewTimerCompleted(1))
	ds := receive(t, q, 1)
	if len(ds) != 1 || ds[0].Event.Seq != 0 {
		t.Fatalf("expected seq 0, got %+v", ds)
	}
	nackedAt := time.Now()
	ds[0].Nack()

	again := receive(t, q, 10)
	if time.Since(nackedAt) < 25*time.Millisecond {
		t.Fatalf("redelivered before the redelivery delay")
	}
	if len(again) != 2 || again[0].Event.Seq != 0 || again[1].Event.Seq != 1 {
		t.Fatalf("expected seq 0 then 1, got %+v", again)
	}
}

func TestMemoryExecutionQueue_ReceiveHonoursContextAndClose(t *testing.T) {
	q := NewMemoryExecutionQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background(), 1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not wake the consumer")
	}
	if err := q.SubmitExecutionEvents(context.Background(), "wf/a", api.NewTimerCompleted(0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on submit, got %v", err)
	}
}

func TestMemoryTaskChannel_NackRedelivers(t *testing.T) {
	c := NewMemoryTaskChannel(4, 10*time.Millisecond)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := api.TaskRequest{ExecutionID: "wf/a", Seq: 2, TaskName: "charge"}
	if err := c.StartTask(ctx, req); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	d, err := c.ReceiveTask(ctx)
	if err != nil {
		t.Fatalf("ReceiveTask: %v", err)
	}
	d.Nack()
	d.Nack()

	again, err := c.ReceiveTask(ctx)
	if err != nil {
		t.Fatalf("ReceiveTask after nack: %v", err)
	}
	if again.Request.TaskName != "charge" || again.Request.Seq != 2 {
		t.Fatalf("unexpected redelivery: %+v", again.Request)
	}
	again.Ack()

	time.Sleep(30 * time.Millisecond)
	if c.Len() != 0 {
		t.Fatalf("double nack must redeliver once, got %d buffered", c.Len())
	}
}
