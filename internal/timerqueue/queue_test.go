package timerqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type queueFactory func(t *testing.T) Queue

func localFactories() map[string]queueFactory {
	return map[string]queueFactory{
		"in-memory": func(t *testing.T) Queue { return NewInMemoryQueue() },
		"sqlite": func(t *testing.T) Queue {
			t.Helper()
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatalf("sql.Open: %v", err)
			}
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })

			q, err := NewSQLiteQueue(db, 5*time.Millisecond)
			if err != nil {
				t.Fatalf("NewSQLiteQueue: %v", err)
			}
			return q
		},
	}
}

func TestQueue_DueItemsInNotBeforeOrder(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			base := time.Now().Add(-time.Minute)
			for i, id := range []string{"c", "a", "b"} {
				offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
				if err := q.Enqueue(ctx, Item{ID: id, Payload: []byte(id), NotBefore: base.Add(offsets[i])}); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
			}
			if q.Len() != 3 {
				t.Fatalf("expected 3 queued items, got %d", q.Len())
			}

			for _, want := range []string{"a", "b", "c"} {
				dctx, cancel := context.WithTimeout(ctx, time.Second)
				item, err := q.Dequeue(dctx)
				cancel()
				if err != nil {
					t.Fatalf("Dequeue: %v", err)
				}
				if item.ID != want || string(item.Payload) != want {
					t.Fatalf("expected %q, got %q (%q)", want, item.ID, item.Payload)
				}
			}
			if q.Len() != 0 {
				t.Fatalf("expected empty queue, got %d", q.Len())
			}
		})
	}
}

func TestQueue_DequeueWaitsUntilDue(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			notBefore := time.Now().Add(100 * time.Millisecond)
			if err := q.Enqueue(ctx, Item{Payload: []byte("later"), NotBefore: notBefore}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			item, err := q.Dequeue(dctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if time.Now().Before(notBefore) {
				t.Fatalf("item handed out before its due time")
			}
			if item.ID == "" {
				t.Fatalf("expected a generated id")
			}
			if item.EnqueuedAt.IsZero() {
				t.Fatalf("expected EnqueuedAt to be set")
			}
		})
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	for name, factory := range localFactories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			if err := q.Enqueue(context.Background(), Item{NotBefore: time.Now().Add(time.Hour)}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline exceeded, got %v", err)
			}
			if q.Len() != 1 {
				t.Fatalf("future item should remain queued, got len %d", q.Len())
			}
		})
	}
}

func TestInMemoryQueue_EarlierItemWakesWaitingConsumer(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := q.Enqueue(ctx, Item{ID: "late", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := make(chan *Item, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		got <- item
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, Item{ID: "now"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case item := <-got:
		if item == nil || item.ID != "now" {
			t.Fatalf("expected item 'now', got %+v", item)
		}
	case <-ctx.Done():
		t.Fatalf("consumer was not woken by an earlier item")
	}
}
