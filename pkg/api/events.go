package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a workflow event.
type EventType string

const (
	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowTurnStarted   EventType = "workflow.turn_started"
	EventWorkflowTurnCompleted EventType = "workflow.turn_completed"
	EventWorkflowSucceeded     EventType = "workflow.succeeded"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowTimedOut      EventType = "workflow.timed_out"

	EventTimerScheduled EventType = "timer.scheduled"
	EventTimerCompleted EventType = "timer.completed"

	EventTaskScheduled EventType = "task.scheduled"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskTimedOut  EventType = "task.timed_out"

	EventChildWorkflowScheduled EventType = "child.scheduled"
	EventChildWorkflowSucceeded EventType = "child.succeeded"
	EventChildWorkflowFailed    EventType = "child.failed"

	EventSignalSent     EventType = "signal.sent"
	EventSignalReceived EventType = "signal.received"

	EventEventsEmitted EventType = "events.emitted"

	EventEntityRequest          EventType = "entity.requested"
	EventEntityRequestSucceeded EventType = "entity.succeeded"
	EventEntityRequestFailed    EventType = "entity.failed"

	EventBucketRequest          EventType = "bucket.requested"
	EventBucketRequestSucceeded EventType = "bucket.succeeded"
	EventBucketRequestFailed    EventType = "bucket.failed"

	EventSearchRequest          EventType = "search.requested"
	EventSearchRequestSucceeded EventType = "search.succeeded"
	EventSearchRequestFailed    EventType = "search.failed"

	EventTransactionRequest          EventType = "transaction.requested"
	EventTransactionRequestSucceeded EventType = "transaction.succeeded"
	EventTransactionRequestFailed    EventType = "transaction.failed"
)

type eventClass uint8

const (
	classHistory eventClass = 1 << iota
	classScheduled
	classResult
	classSucceeded
	classFailed
	classSeq
)

// eventClasses is the closed set of event types. Every type must appear here.
var eventClasses = map[EventType]eventClass{
	EventWorkflowStarted:       0,
	EventWorkflowTurnStarted:   0,
	EventWorkflowTurnCompleted: 0,
	EventWorkflowSucceeded:     classSucceeded,
	EventWorkflowFailed:        classFailed,
	EventWorkflowTimedOut:      classHistory | classResult | classFailed,

	EventTimerScheduled: classHistory | classScheduled | classSeq,
	EventTimerCompleted: classHistory | classResult | classSucceeded | classSeq,

	EventTaskScheduled: classHistory | classScheduled | classSeq,
	EventTaskSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventTaskFailed:    classHistory | classResult | classFailed | classSeq,
	EventTaskTimedOut:  classHistory | classResult | classFailed | classSeq,

	EventChildWorkflowScheduled: classHistory | classScheduled | classSeq,
	EventChildWorkflowSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventChildWorkflowFailed:    classHistory | classResult | classFailed | classSeq,

	EventSignalSent:     classHistory | classScheduled | classSeq,
	EventSignalReceived: classHistory | classResult,

	EventEventsEmitted: classHistory | classScheduled | classSeq,

	EventEntityRequest:          classHistory | classScheduled | classSeq,
	EventEntityRequestSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventEntityRequestFailed:    classHistory | classResult | classFailed | classSeq,

	EventBucketRequest:          classHistory | classScheduled | classSeq,
	EventBucketRequestSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventBucketRequestFailed:    classHistory | classResult | classFailed | classSeq,

	EventSearchRequest:          classHistory | classScheduled | classSeq,
	EventSearchRequestSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventSearchRequestFailed:    classHistory | classResult | classFailed | classSeq,

	EventTransactionRequest:          classHistory | classScheduled | classSeq,
	EventTransactionRequestSucceeded: classHistory | classResult | classSucceeded | classSeq,
	EventTransactionRequestFailed:    classHistory | classResult | classFailed | classSeq,
}

func (t EventType) class() eventClass {
	c, ok := eventClasses[t]
	if !ok {
		panic(fmt.Sprintf("api: unknown event type %q", string(t)))
	}
	return c
}

// Valid reports whether t belongs to the known event types.
func (t EventType) Valid() bool {
	_, ok := eventClasses[t]
	return ok
}

// IsHistory reports whether events of this type are replayed into the
// interpreter.
func (t EventType) IsHistory() bool { return t.class()&classHistory != 0 }

// IsScheduled reports whether this type records that a call was issued.
func (t EventType) IsScheduled() bool { return t.class()&classScheduled != 0 }

// IsResult reports whether this type resolves a prior call or the workflow.
func (t EventType) IsResult() bool { return t.class()&classResult != 0 }

// IsSucceeded reports whether this type represents a successful outcome.
func (t EventType) IsSucceeded() bool { return t.class()&classSucceeded != 0 }

// IsFailed reports whether this type represents a failed outcome.
func (t EventType) IsFailed() bool { return t.class()&classFailed != 0 }

// HasSeq reports whether events of this type carry a call sequence number.
func (t EventType) HasSeq() bool { return t.class()&classSeq != 0 }

// WorkflowEvent is the immutable unit of an execution's history.
//
// Only a subset of the optional fields is set for a given Type; see the
// constructors below for which ones.
type WorkflowEvent struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	// Seq is the ordinal of the call this event belongs to. Only meaningful
	// when Type.HasSeq() is true.
	Seq int

	// Name is the workflow, task or transaction name.
	Name string

	Input  any
	Result any

	// Error and Message describe a failure.
	Error   string
	Message string

	UntilTime time.Time
	Timeout   time.Duration

	SignalID string
	Payload  any
	Target   *SignalTarget

	Parent *ParentRef

	Events      []OutboundEvent
	Entity      *EntityOperation
	Bucket      *BucketOperation
	Search      *SearchQuery
	ChildExecID string
}

// IsHistoryEvent reports whether e is replayed into the interpreter.
func IsHistoryEvent(e WorkflowEvent) bool { return e.Type.IsHistory() }

// IsScheduledEvent reports whether e records an issued call.
func IsScheduledEvent(e WorkflowEvent) bool { return e.Type.IsScheduled() }

// IsResultEvent reports whether e resolves a call or the workflow.
func IsResultEvent(e WorkflowEvent) bool { return e.Type.IsResult() }

// IsSucceededEvent reports whether e is a successful outcome.
func IsSucceededEvent(e WorkflowEvent) bool { return e.Type.IsSucceeded() }

// IsFailedEvent reports whether e is a failed outcome.
func IsFailedEvent(e WorkflowEvent) bool { return e.Type.IsFailed() }

// FilterHistory returns the history-eligible events of events, in order.
func FilterHistory(events []WorkflowEvent) []WorkflowEvent {
	out := make([]WorkflowEvent, 0, len(events))
	for _, e := range events {
		if e.Type.IsHistory() {
			out = append(out, e)
		}
	}
	return out
}

// Now stamps new events. Tests may replace it.
var Now = time.Now

// SeqEventID is the stable id of a seq-bearing event. Re-delivering the same
// result produces the same id, which lets the orchestrator drop duplicates.
func SeqEventID(seq int, t EventType) string {
	return fmt.Sprintf("%d_%s", seq, t)
}

func newEvent(t EventType) WorkflowEvent {
	return WorkflowEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: Now(),
	}
}

func newSeqEvent(t EventType, seq int) WorkflowEvent {
	return WorkflowEvent{
		ID:        SeqEventID(seq, t),
		Type:      t,
		Timestamp: Now(),
		Seq:       seq,
	}
}

// NewWorkflowStarted creates the event that opens an execution.
func NewWorkflowStarted(workflowName string, input any, parent *ParentRef, timeout time.Duration) WorkflowEvent {
	e := newEvent(EventWorkflowStarted)
	e.Name = workflowName
	e.Input = input
	e.Parent = parent
	e.Timeout = timeout
	return e
}

func NewWorkflowTurnStarted() WorkflowEvent   { return newEvent(EventWorkflowTurnStarted) }
func NewWorkflowTurnCompleted() WorkflowEvent { return newEvent(EventWorkflowTurnCompleted) }

func NewWorkflowSucceeded(result any) WorkflowEvent {
	e := newEvent(EventWorkflowSucceeded)
	e.Result = result
	return e
}

func NewWorkflowFailed(errName, message string) WorkflowEvent {
	e := newEvent(EventWorkflowFailed)
	e.Error = errName
	e.Message = message
	return e
}

// NewWorkflowTimedOut has a fixed id; only one can ever apply.
func NewWorkflowTimedOut() WorkflowEvent {
	e := newEvent(EventWorkflowTimedOut)
	e.ID = string(EventWorkflowTimedOut)
	return e
}

func NewTimerScheduled(seq int, until time.Time) WorkflowEvent {
	e := newSeqEvent(EventTimerScheduled, seq)
	e.UntilTime = until
	return e
}

func NewTimerCompleted(seq int) WorkflowEvent {
	return newSeqEvent(EventTimerCompleted, seq)
}

func NewTaskScheduled(seq int, name string, input any) WorkflowEvent {
	e := newSeqEvent(EventTaskScheduled, seq)
	e.Name = name
	e.Input = input
	return e
}

func NewTaskSucceeded(seq int, result any) WorkflowEvent {
	e := newSeqEvent(EventTaskSucceeded, seq)
	e.Result = result
	return e
}

func NewTaskFailed(seq int, errName, message string) WorkflowEvent {
	e := newSeqEvent(EventTaskFailed, seq)
	e.Error = errName
	e.Message = message
	return e
}

func NewTaskTimedOut(seq int) WorkflowEvent {
	return newSeqEvent(EventTaskTimedOut, seq)
}

func NewChildWorkflowScheduled(seq int, name, childExecID string, input any) WorkflowEvent {
	e := newSeqEvent(EventChildWorkflowScheduled, seq)
	e.Name = name
	e.Input = input
	e.ChildExecID = childExecID
	return e
}

func NewChildWorkflowSucceeded(seq int, result any) WorkflowEvent {
	e := newSeqEvent(EventChildWorkflowSucceeded, seq)
	e.Result = result
	return e
}

func NewChildWorkflowFailed(seq int, errName, message string) WorkflowEvent {
	e := newSeqEvent(EventChildWorkflowFailed, seq)
	e.Error = errName
	e.Message = message
	return e
}

func NewSignalSent(seq int, target SignalTarget, signalID string, payload any) WorkflowEvent {
	e := newSeqEvent(EventSignalSent, seq)
	e.Target = &target
	e.SignalID = signalID
	e.Payload = payload
	return e
}

// NewSignalReceived creates an externally delivered signal. If id is empty a
// random one is assigned, so the signal is never treated as a duplicate.
func NewSignalReceived(signalID string, payload any, id string) WorkflowEvent {
	e := newEvent(EventSignalReceived)
	if id != "" {
		e.ID = id
	}
	e.SignalID = signalID
	e.Payload = payload
	return e
}

func NewEventsEmitted(seq int, events []OutboundEvent) WorkflowEvent {
	e := newSeqEvent(EventEventsEmitted, seq)
	e.Events = events
	return e
}

func NewEntityRequest(seq int, op EntityOperation) WorkflowEvent {
	e := newSeqEvent(EventEntityRequest, seq)
	e.Entity = &op
	return e
}

func NewBucketRequest(seq int, op BucketOperation) WorkflowEvent {
	e := newSeqEvent(EventBucketRequest, seq)
	e.Bucket = &op
	return e
}

func NewSearchRequest(seq int, q SearchQuery) WorkflowEvent {
	e := newSeqEvent(EventSearchRequest, seq)
	e.Search = &q
	return e
}

func NewTransactionRequest(seq int, name string, input any) WorkflowEvent {
	e := newSeqEvent(EventTransactionRequest, seq)
	e.Name = name
	e.Input = input
	return e
}

// NewRequestSucceeded builds the success event for entity, bucket, search and
// transaction requests.
func NewRequestSucceeded(t EventType, seq int, result any) WorkflowEvent {
	e := newSeqEvent(t, seq)
	e.Result = result
	return e
}

// NewRequestFailed builds the failure event for entity, bucket, search and
// transaction requests.
func NewRequestFailed(t EventType, seq int, errName, message string) WorkflowEvent {
	e := newSeqEvent(t, seq)
	e.Error = errName
	e.Message = message
	return e
}
