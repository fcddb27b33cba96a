package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// WorkflowFunc is a workflow program. It must be deterministic: given the same
// history it has to issue the same calls in the same order. Use the methods
// of Context for anything that touches the outside world or the clock.
type WorkflowFunc func(ctx Context, input any) (any, error)

// TaskFunc is the body of a task. Tasks run outside the interpreter and may
// do arbitrary I/O.
type TaskFunc func(ctx context.Context, input any) (any, error)

// Future is the handle of an issued call.
type Future interface {
	// Get suspends the calling workflow coroutine until the call settles.
	Get(ctx Context) (any, error)

	// Ready reports whether the call has settled.
	Ready() bool
}

// SignalHandler is returned by Context.OnSignal.
type SignalHandler interface {
	// Dispose stops delivering signals to the handler.
	Dispose()
}

// Context is what a workflow program sees of the engine. Every method that
// issues a call consumes the next sequence number.
type Context interface {
	ExecutionID() string
	WorkflowName() string

	// Now is the timestamp of the most recently applied history event. It is
	// stable across replays.
	Now() time.Time

	// IsReplaying reports whether the program is re-executing recorded
	// history.
	IsReplaying() bool

	// Logger drops records while replaying.
	Logger() *slog.Logger

	Sleep(d time.Duration, opts ...CallOption) Future
	SleepUntil(t time.Time, opts ...CallOption) Future

	ExecuteTask(name string, input any, opts ...CallOption) Future
	ExecuteChildWorkflow(name string, input any, opts ...CallOption) Future

	// SendSignal delivers a signal to another execution. The returned future
	// is already settled.
	SendSignal(target SignalTarget, signalID string, payload any) Future

	// ExpectSignal settles with the payload of the next signal with this id.
	ExpectSignal(signalID string, opts ...CallOption) Future

	// OnSignal runs handler in a new coroutine for every signal with this id
	// until the handler is disposed.
	OnSignal(signalID string, handler func(ctx Context, payload any)) SignalHandler

	// Condition settles with true once predicate holds after an event is
	// applied, or with false if its timeout wins.
	Condition(predicate func() bool, opts ...CallOption) Future

	EmitEvents(events ...OutboundEvent) Future

	Entity(op EntityOperation) Future
	Bucket(op BucketOperation) Future
	Search(q SearchQuery) Future
	InvokeTransaction(name string, input any) Future

	// Await suspends the calling coroutine until cond holds. It issues no
	// call.
	Await(cond func() bool)

	// Go starts fn on a new coroutine. Coroutines are scheduled
	// deterministically in creation order.
	Go(fn func(ctx Context))
}

// GetAs waits for f and converts its value to T.
//
// Values that went through a store that does not preserve Go types (for
// example JSON maps) are converted with a JSON round trip.
func GetAs[T any](ctx Context, f Future) (T, error) {
	var zero T
	v, err := f.Get(ctx)
	if err != nil {
		return zero, err
	}
	return Convert[T](v)
}

// Convert coerces v to T.
func Convert[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("convert %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("convert %T to %T: %w", v, zero, err)
	}
	return out, nil
}

// All waits for every future in order and returns their values. It returns
// the first error in argument order.
func All(ctx Context, futures ...Future) ([]any, error) {
	out := make([]any, len(futures))
	ctx.Await(func() bool {
		for _, f := range futures {
			if !f.Ready() {
				return false
			}
		}
		return true
	})
	for i, f := range futures {
		v, err := f.Get(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Settled is one outcome returned by AllSettled.
type Settled struct {
	Value any
	Err   error
}

// AllSettled waits for every future and returns all outcomes.
func AllSettled(ctx Context, futures ...Future) []Settled {
	out := make([]Settled, len(futures))
	for i, f := range futures {
		v, err := f.Get(ctx)
		out[i] = Settled{Value: v, Err: err}
	}
	return out
}

// Race waits for the first future to settle and returns its index and
// outcome. Ties go to the lowest index.
func Race(ctx Context, futures ...Future) (int, any, error) {
	if len(futures) == 0 {
		return -1, nil, nil
	}
	ctx.Await(func() bool {
		for _, f := range futures {
			if f.Ready() {
				return true
			}
		}
		return false
	})
	for i, f := range futures {
		if f.Ready() {
			v, err := f.Get(ctx)
			return i, v, err
		}
	}
	return -1, nil, nil
}

// RetryPolicy controls how many times a task is attempted and how long the
// task worker waits between attempts.
//
// A zero policy means a single attempt.
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt. Values <= 0 mean 1.
	BackoffMultiplier float64

	// MaxBackoff caps the delay; zero means no cap.
	MaxBackoff time.Duration
}

// Attempts returns the effective number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the attempt with the given retry number
// (1 for the first retry).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(retry-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// TaskRequest is sent over the task channel to start one attempt of a task.
type TaskRequest struct {
	ExecutionID  string
	WorkflowName string
	Seq          int
	Retry        int
	TaskName     string
	Input        any
	Policy       *RetryPolicy
	ScheduledAt  time.Time
}
