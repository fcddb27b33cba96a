// Package transport carries events to execution orchestrators and task
// requests to task workers.
//
// Both directions are at-least-once: a delivery that is not acknowledged is
// handed out again. Deliveries for one execution keep their submission
// order.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// ErrClosed is returned by consumers after Close.
var ErrClosed = errors.New("transport closed")

// DefaultRedeliveryDelay is how long a nacked in-memory delivery waits before
// it is handed out again.
const DefaultRedeliveryDelay = 100 * time.Millisecond

// ExecutionQueue is the producer side of the execution queue.
type ExecutionQueue interface {
	SubmitExecutionEvents(ctx context.Context, executionID string, events ...api.WorkflowEvent) error
}

// ExecutionConsumer is the consumer side of the execution queue.
type ExecutionConsumer interface {
	// Receive blocks until at least one delivery is available and returns
	// up to max of them.
	Receive(ctx context.Context, max int) ([]*Delivery, error)
}

// Delivery is one event addressed to one execution.
type Delivery struct {
	ExecutionID string
	Event       api.WorkflowEvent

	ack  func()
	nack func()
}

// Ack marks the delivery as processed.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack hands the delivery back for redelivery.
func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// TaskChannel is the producer side of the task channel.
type TaskChannel interface {
	StartTask(ctx context.Context, req api.TaskRequest) error
}

// TaskConsumer is the consumer side of the task channel.
type TaskConsumer interface {
	// ReceiveTask blocks until a task request is available.
	ReceiveTask(ctx context.Context) (*TaskDelivery, error)
}

// TaskDelivery is one task request.
type TaskDelivery struct {
	Request api.TaskRequest

	ack  func()
	nack func()
}

func (d *TaskDelivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

func (d *TaskDelivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}
