// Package timerqueue provides delayed queues: an item becomes visible to
// Dequeue only once its NotBefore time has passed.
//
// The timer subsystem uses them for the short path, where a timer is due
// within the scheduling threshold.
package timerqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Item is a delayed message. Payload is opaque to the queue.
type Item struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time

	// NotBefore is the earliest time this item is handed out. Zero value
	// means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Queue is a delayed queue.
//
// Dequeue removes the item it returns, so a consumer that crashes before
// handling it loses the item.
type Queue interface {
	// Enqueue adds an item. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue removes and returns the due item with the earliest NotBefore,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Item, error)

	// Len returns the approximate number of queued items, due or not.
	Len() int
}

// DefaultPollInterval is how often polling backends look for due items.
const DefaultPollInterval = 50 * time.Millisecond

func newItemID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// prepare fills the defaults of a new item.
func prepare(item Item) Item {
	now := time.Now()
	if item.ID == "" {
		item.ID = newItemID()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.NotBefore.IsZero() {
		item.NotBefore = now
	}
	return item
}

// poller waits between polls, reusing one timer.
type poller struct {
	interval time.Duration
	tmr      *time.Timer
}

func newPoller(interval time.Duration) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	return &poller{interval: interval, tmr: tmr}
}

func (p *poller) wait(ctx context.Context) error {
	p.tmr.Reset(p.interval)
	select {
	case <-ctx.Done():
		p.tmr.Stop()
		return ctx.Err()
	case <-p.tmr.C:
		return nil
	}
}

func (p *poller) stop() { p.tmr.Stop() }
