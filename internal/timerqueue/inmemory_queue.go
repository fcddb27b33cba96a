package timerqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by a min-heap on NotBefore.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64

	// wake is closed and replaced whenever the head of the heap may have
	// changed.
	wake chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{wake: make(chan struct{})}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item = prepare(item)

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, heapEntry{item: item, seq: q.seq})
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		wake := q.wake
		var due <-chan time.Time
		var tmr *time.Timer
		if len(q.items) > 0 {
			head := q.items[0].item
			wait := time.Until(head.NotBefore)
			if wait <= 0 {
				heap.Pop(&q.items)
				q.mu.Unlock()
				return &head, nil
			}
			tmr = time.NewTimer(wait)
			due = tmr.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if tmr != nil {
				tmr.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-due:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type heapEntry struct {
	item Item
	seq  uint64
}

// itemHeap orders by NotBefore, then by enqueue order.
type itemHeap []heapEntry

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].item.NotBefore.Equal(h[j].item.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].item.NotBefore.Before(h[j].item.NotBefore)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
