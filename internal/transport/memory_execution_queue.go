package transport

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// MemoryExecutionQueue is an in-process ExecutionQueue and ExecutionConsumer.
//
// Entries stay in the queue until acknowledged. While an entry is handed out
// or waiting for redelivery, later entries for the same execution are held
// back, which keeps per-execution order across nacks.
type MemoryExecutionQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry
	wake    chan struct{}
	closed  bool

	redeliveryDelay time.Duration
}

type memoryEntry struct {
	executionID string
	event       api.WorkflowEvent
	inFlight    bool
	notBefore   time.Time
}

var (
	_ ExecutionQueue    = (*MemoryExecutionQueue)(nil)
	_ ExecutionConsumer = (*MemoryExecutionQueue)(nil)
)

// NewMemoryExecutionQueue creates an empty queue. A non-positive
// redeliveryDelay uses DefaultRedeliveryDelay.
func NewMemoryExecutionQueue(redeliveryDelay time.Duration) *MemoryExecutionQueue {
	if redeliveryDelay <= 0 {
		redeliveryDelay = DefaultRedeliveryDelay
	}
	return &MemoryExecutionQueue{
		wake:            make(chan struct{}),
		redeliveryDelay: redeliveryDelay,
	}
}

func (q *MemoryExecutionQueue) SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, e := range events {
		q.entries = append(q.entries, &memoryEntry{executionID: executionID, event: e})
	}
	q.signalLocked()
	return nil
}

func (q *MemoryExecutionQueue) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		out, nextDue := q.takeLocked(max)
		wake := q.wake
		q.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		var due <-chan time.Time
		var tmr *time.Timer
		if !nextDue.IsZero() {
			tmr = time.NewTimer(time.Until(nextDue))
			due = tmr.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-due:
		}
		if tmr != nil {
			tmr.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// takeLocked hands out up to max available entries and reports the earliest
// time a held-back entry becomes available.
func (q *MemoryExecutionQueue) takeLocked(max int) ([]*Delivery, time.Time) {
	now := time.Now()
	blocked := make(map[string]bool)
	var out []*Delivery
	var nextDue time.Time
	for _, entry := range q.entries {
		if len(out) == max {
			break
		}
		if blocked[entry.executionID] {
			continue
		}
		if entry.inFlight {
			blocked[entry.executionID] = true
			continue
		}
		if entry.notBefore.After(now) {
			blocked[entry.executionID] = true
			if nextDue.IsZero() || entry.notBefore.Before(nextDue) {
				nextDue = entry.notBefore
			}
			continue
		}
		entry.inFlight = true
		out = append(out, q.delivery(entry))
	}
	return out, nextDue
}

func (q *MemoryExecutionQueue) delivery(entry *memoryEntry) *Delivery {
	var once sync.Once
	return &Delivery{
		ExecutionID: entry.executionID,
		Event:       entry.event,
		ack: func() {
			once.Do(func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				for i, e := range q.entries {
					if e == entry {
						q.entries = append(q.entries[:i], q.entries[i+1:]...)
						break
					}
				}
				q.signalLocked()
			})
		},
		nack: func() {
			once.Do(func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				entry.inFlight = false
				entry.notBefore = time.Now().Add(q.redeliveryDelay)
				q.signalLocked()
			})
		},
	}
}

// Len returns the number of unacknowledged entries.
func (q *MemoryExecutionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close wakes blocked consumers; later calls fail with ErrClosed.
func (q *MemoryExecutionQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *MemoryExecutionQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
