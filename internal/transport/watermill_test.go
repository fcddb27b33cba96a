package transport

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

func TestWatermillExecutionQueue_RoundTrip(t *testing.T) {
	pubSub := NewGoChannel(nil)
	q := NewWatermillExecutionQueue(pubSub, pubSub, WatermillConfig{RedeliveryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Subscribe before publishing; gochannel drops messages without subscribers.
	received := make(chan []*Delivery, 2)
	go func() {
		for i := 0; i < 2; i++ {
			ds, err := q.Receive(ctx, 5)
			if err != nil {
				t.Errorf("Receive: %v", err)
				return
			}
			received <- ds
		}
	}()
	time.Sleep(20 * time.Millisecond)

	if err := q.SubmitExecutionEvents(ctx, "orders/o-1", api.NewTaskSucceeded(3, "receipt")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var first *Delivery
	select {
	case ds := <-received:
		first = ds[0]
	case <-ctx.Done():
		t.Fatalf("no delivery")
	}
	if first.ExecutionID != "orders/o-1" || first.Event.Type != api.EventTaskSucceeded || first.Event.Seq != 3 {
		t.Fatalf("unexpected delivery: %+v", first)
	}
	if first.Event.Result != "receipt" {
		t.Fatalf("payload lost: %#v", first.Event.Result)
	}

	// A nacked message comes back.
	first.Nack()
	select {
	case ds := <-received:
		if ds[0].Event.ID != first.Event.ID {
			t.Fatalf("expected redelivery of %s, got %s", first.Event.ID, ds[0].Event.ID)
		}
		ds[0].Ack()
	case <-ctx.Done():
		t.Fatalf("nacked message was not redelivered")
	}
}

func TestWatermillExecutionQueue_PreservesPerExecutionOrder(t *testing.T) {
	pubSub := NewGoChannel(nil)
	q := NewWatermillExecutionQueue(pubSub, pubSub, WatermillConfig{RedeliveryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const total = 200
	batch := make([]api.WorkflowEvent, 0, total/2)
	for i := 0; i < total/2; i++ {
		batch = append(batch, api.NewTaskSucceeded(i, i))
	}
	if err := q.SubmitExecutionEvents(ctx, "wf/e", batch...); err != nil {
		t.Fatalf("Submit batch: %v", err)
	}
	for i := total / 2; i < total; i++ {
		if err := q.SubmitExecutionEvents(ctx, "wf/e", api.NewTaskSucceeded(i, i)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if err := q.SubmitExecutionEvents(ctx, "wf/other", api.NewTaskSucceeded(i, i)); err != nil {
			t.Fatalf("Submit other %d: %v", i, err)
		}
	}

	var got []int
	otherNext := total / 2
	for len(got) < total {
		ds, err := q.Receive(ctx, 50)
		if err != nil {
			t.Fatalf("Receive after %d events: %v", len(got), err)
		}
		for _, d := range ds {
			switch d.ExecutionID {
			case "wf/e":
				got = append(got, d.Event.Seq)
			case "wf/other":
				if d.Event.Seq != otherNext {
					t.Fatalf("wf/other: expected seq %d, got %d", otherNext, d.Event.Seq)
				}
				otherNext++
			}
			d.Ack()
		}
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("event %d of wf/e has seq %d", i, seq)
		}
	}
}

func TestReorderBuffer_ReleasesInSequence(t *testing.T) {
	b := newReorderBuffer()
	ev := func(seq int) []api.WorkflowEvent { return []api.WorkflowEvent{api.NewTaskSucceeded(seq, nil)} }

	if ready := b.add("p|e", 2, ev(2)); len(ready) != 0 {
		t.Fatalf("seq 2 released early: %v", ready)
	}
	if ready := b.add("p|e", 1, ev(1)); len(ready) != 0 {
		t.Fatalf("seq 1 released early: %v", ready)
	}
	ready := b.add("p|e", 0, ev(0))
	if len(ready) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(ready))
	}
	for i, batch := range ready {
		if batch[0].Seq != i {
			t.Fatalf("batch %d has seq %d", i, batch[0].Seq)
		}
	}
	if ready := b.add("p|e", 1, ev(1)); len(ready) != 0 {
		t.Fatalf("duplicate released: %v", ready)
	}
	if ready := b.add("p|other", 0, ev(0)); len(ready) != 1 {
		t.Fatalf("independent key held back")
	}
}

func TestWatermillTaskChannel_RoundTrip(t *testing.T) {
	pubSub := NewGoChannel(nil)
	c := NewWatermillTaskChannel(pubSub, pubSub, WatermillConfig{})
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *TaskDelivery, 1)
	go func() {
		d, err := c.ReceiveTask(ctx)
		if err != nil {
			t.Errorf("ReceiveTask: %v", err)
			return
		}
		got <- d
	}()
	time.Sleep(20 * time.Millisecond)

	req := api.TaskRequest{ExecutionID: "orders/o-1", WorkflowName: "orders", Seq: 1, TaskName: "charge", Input: "card-1"}
	if err := c.StartTask(ctx, req); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	select {
	case d := <-got:
		if d.Request.TaskName != "charge" || d.Request.Seq != 1 || d.Request.Input != "card-1" {
			t.Fatalf("unexpected request: %+v", d.Request)
		}
		d.Ack()
	case <-ctx.Done():
		t.Fatalf("no task delivered")
	}
}
