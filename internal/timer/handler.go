package timer

import (
	"context"
	"fmt"
	"time"
)

// Handler fires short-path timers.
type Handler struct {
	Queue ExecutionQueue

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handle waits until req.FireAt and submits the timer event stamped with
// the firing time. The wait is normally under a second, the remainder the
// queue's whole-second delay left over.
func (h *Handler) Handle(ctx context.Context, req TimerRequest) error {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if wait := req.FireAt.Sub(now()); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	// The workflow clock advances to the firing time.
	e := req.Event
	e.Timestamp = now()
	if err := h.Queue.SubmitExecutionEvents(ctx, req.ExecutionID, e); err != nil {
		return fmt.Errorf("submit timer event for %s: %w", req.ExecutionID, err)
	}
	return nil
}

// Forwarder moves long-path timers onto the short path when their schedule
// fires.
type Forwarder struct {
	Client *Client
}

// Forward enqueues the timer with its remaining delay and deletes the
// schedule that fired it.
func (f *Forwarder) Forward(ctx context.Context, req ForwarderRequest) error {
	remaining := req.Timer.FireAt.Sub(f.Client.cfg.Now())
	if err := f.Client.enqueue(ctx, req.Timer, remaining); err != nil {
		return fmt.Errorf("forward timer %s: %w", req.ScheduleName, err)
	}
	return f.Client.CancelSchedule(ctx, req.ScheduleName)
}
