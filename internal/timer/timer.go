// Package timer delivers events to executions at a future time.
//
// Timers due within the threshold take the short path: they are enqueued on
// a delayed queue with whole-second precision and the handler waits out the
// sub-second remainder. Timers further out take the long path: an external
// schedule fires threshold before the due time and forwards the timer to
// the short path.
package timer

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/internal/timerqueue"
	"github.com/petrijr/eventide/pkg/api"
)

// DefaultThreshold splits short-path from long-path timers. It is a safety
// margin for the external scheduler's accuracy.
const DefaultThreshold = 15 * time.Minute

// ErrNoScheduler is returned for a long-path timer when no scheduler is
// configured.
var ErrNoScheduler = errors.New("timer: no scheduler configured for long delays")

func init() {
	gob.Register(TimerRequest{})
}

// TimerRequest asks for Event to be submitted to an execution at FireAt.
type TimerRequest struct {
	ExecutionID string
	Event       api.WorkflowEvent
	FireAt      time.Time
}

// ForwarderRequest is the payload of a long-path schedule.
type ForwarderRequest struct {
	ScheduleName string
	Timer        TimerRequest
}

// ExecutionQueue receives fired timer events.
type ExecutionQueue interface {
	SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error
}

// Scheduler runs one-shot schedules at an absolute time.
type Scheduler interface {
	CreateSchedule(ctx context.Context, name string, at time.Time, req ForwarderRequest) error

	// DeleteSchedule removes a schedule. Deleting a missing schedule is not
	// an error.
	DeleteSchedule(ctx context.Context, name string) error
}

// Config configures a Client.
type Config struct {
	Queue     timerqueue.Queue
	Scheduler Scheduler
	Threshold time.Duration

	Now      func() time.Time
	Logger   *slog.Logger
	Observer api.Observer
}

// Client schedules timer events.
type Client struct {
	cfg Config
}

// NewClient creates a Client. Queue is required; Scheduler is only needed
// for delays beyond the threshold.
func NewClient(cfg Config) *Client {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	return &Client{cfg: cfg}
}

// Threshold returns the configured short/long split.
func (c *Client) Threshold() time.Duration { return c.cfg.Threshold }

// ScheduleName is the name of the long-path schedule for event.
func ScheduleName(executionID string, event api.WorkflowEvent) string {
	return strings.ReplaceAll(executionID, "/", "_") + "_" + event.ID
}

// ScheduleEvent submits event to the execution at fireAt.
func (c *Client) ScheduleEvent(ctx context.Context, executionID string, event api.WorkflowEvent, fireAt time.Time) error {
	req := TimerRequest{ExecutionID: executionID, Event: event, FireAt: fireAt}
	delay := fireAt.Sub(c.cfg.Now())

	if delay <= c.cfg.Threshold {
		c.cfg.Observer.OnTimerScheduled(ctx, executionID, fireAt, false)
		return c.enqueue(ctx, req, delay)
	}

	if c.cfg.Scheduler == nil {
		return ErrNoScheduler
	}
	name := ScheduleName(executionID, event)
	at := fireAt.Add(-c.cfg.Threshold)
	if err := c.cfg.Scheduler.CreateSchedule(ctx, name, at, ForwarderRequest{ScheduleName: name, Timer: req}); err != nil {
		return fmt.Errorf("create schedule %s: %w", name, err)
	}
	c.cfg.Logger.Debug("long timer scheduled",
		"execution_id", executionID, "schedule", name, "forward_at", at, "fire_at", fireAt)
	c.cfg.Observer.OnTimerScheduled(ctx, executionID, fireAt, true)
	return nil
}

// CancelSchedule removes a long-path schedule. It is idempotent.
func (c *Client) CancelSchedule(ctx context.Context, name string) error {
	if c.cfg.Scheduler == nil {
		return nil
	}
	return c.cfg.Scheduler.DeleteSchedule(ctx, name)
}

// enqueue puts req on the short path. The queue item becomes visible after
// the whole seconds of delay.
func (c *Client) enqueue(ctx context.Context, req TimerRequest, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	payload, err := persistence.EncodeValue(req)
	if err != nil {
		return fmt.Errorf("encode timer request: %w", err)
	}
	return c.cfg.Queue.Enqueue(ctx, timerqueue.Item{
		ID:        ScheduleName(req.ExecutionID, req.Event),
		Payload:   payload,
		NotBefore: c.cfg.Now().Add(delay.Truncate(time.Second)),
	})
}

// DecodeRequest decodes the payload of a short-path queue item.
func DecodeRequest(item *timerqueue.Item) (TimerRequest, error) {
	return persistence.DecodeValue[TimerRequest](item.Payload)
}
