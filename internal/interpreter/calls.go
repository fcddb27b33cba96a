package interpreter

import (
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// Call is a request issued by a workflow program. Calls exist only for the
// duration of one interpretation; the ones that need a side effect are
// handed to the command executor.
type Call struct {
	// Seq is -1 for calls that produce no command.
	Seq  int
	Kind api.CallKind

	// Timer.
	Until time.Time

	// Task, child workflow and transaction.
	Name        string
	Input       any
	TaskTimeout time.Duration
	Retry       *api.RetryPolicy

	// Child workflow.
	ExecutionName string
	ExecutionID   string

	// Signals.
	SignalID string
	Payload  any
	Target   api.SignalTarget

	Events []api.OutboundEvent
	Entity *api.EntityOperation
	Bucket *api.BucketOperation
	Search *api.SearchQuery
}

// scheduledTypes maps every call kind that produces a command to the event
// that records it.
var scheduledTypes = map[api.CallKind]api.EventType{
	api.CallTimer:         api.EventTimerScheduled,
	api.CallChildWorkflow: api.EventChildWorkflowScheduled,
	api.CallTask:          api.EventTaskScheduled,
	api.CallSendSignal:    api.EventSignalSent,
	api.CallEmitEvents:    api.EventEventsEmitted,
	api.CallEntity:        api.EventEntityRequest,
	api.CallBucket:        api.EventBucketRequest,
	api.CallSearch:        api.EventSearchRequest,
	api.CallTransaction:   api.EventTransactionRequest,
}

// resultTypes lists the result events each call kind accepts.
var resultTypes = map[api.CallKind][]api.EventType{
	api.CallTimer:         {api.EventTimerCompleted},
	api.CallChildWorkflow: {api.EventChildWorkflowSucceeded, api.EventChildWorkflowFailed},
	api.CallTask:          {api.EventTaskSucceeded, api.EventTaskFailed, api.EventTaskTimedOut},
	api.CallEntity:        {api.EventEntityRequestSucceeded, api.EventEntityRequestFailed},
	api.CallBucket:        {api.EventBucketRequestSucceeded, api.EventBucketRequestFailed},
	api.CallSearch:        {api.EventSearchRequestSucceeded, api.EventSearchRequestFailed},
	api.CallTransaction:   {api.EventTransactionRequestSucceeded, api.EventTransactionRequestFailed},
}

// ScheduledEventType returns the event recording a call of kind k, and false
// if such calls produce no command.
func ScheduledEventType(k api.CallKind) (api.EventType, bool) {
	t, ok := scheduledTypes[k]
	return t, ok
}

// IsCorresponding reports whether the scheduled event e records call c.
// Sequence numbers must be equal and the pairing type-compatible; named calls
// must also agree on the name.
func IsCorresponding(e api.WorkflowEvent, c *Call) bool {
	if e.Seq != c.Seq {
		return false
	}
	want, ok := scheduledTypes[c.Kind]
	if !ok || want != e.Type {
		return false
	}
	switch c.Kind {
	case api.CallTask, api.CallChildWorkflow, api.CallTransaction:
		return e.Name == c.Name
	case api.CallSendSignal:
		return e.SignalID == c.SignalID
	}
	return true
}

func acceptsResult(k api.CallKind, t api.EventType) bool {
	for _, rt := range resultTypes[k] {
		if rt == t {
			return true
		}
	}
	return false
}

// definition is what a call needs besides its request: the triggers that
// resolve it, whether it produces a command, and a result known up front.
type definition struct {
	triggers []Trigger
	command  bool
	result   *Result
}

func withTimeout(def definition, timeout api.Future, onTimeout func() *Result) definition {
	if timeout == nil {
		return def
	}
	def.triggers = append(def.triggers, OnPromiseResolution(timeout, func(any, error) *Result {
		return onTimeout()
	}))
	return def
}

func timeoutFailure(msg string) func() *Result {
	return func() *Result { return Failed(&api.TimeoutError{Message: msg}) }
}

func timerDefinition(opts api.CallOptions) definition {
	def := definition{
		command: true,
		triggers: []Trigger{
			OnWorkflowEvent(api.EventTimerCompleted, func(api.WorkflowEvent) *Result { return Resolved(nil) }),
		},
	}
	return withTimeout(def, opts.Timeout, timeoutFailure("timer timed out"))
}

func taskDefinition(c *Call, opts api.CallOptions) definition {
	def := definition{
		command: true,
		triggers: []Trigger{
			OnWorkflowEvent(api.EventTaskSucceeded, func(e api.WorkflowEvent) *Result {
				return Resolved(e.Result)
			}),
			OnWorkflowEvent(api.EventTaskFailed, func(e api.WorkflowEvent) *Result {
				return Failed(&api.TaskError{Task: c.Name, Name: e.Error, Message: e.Message})
			}),
			OnWorkflowEvent(api.EventTaskTimedOut, func(api.WorkflowEvent) *Result {
				return Failed(&api.TimeoutError{Message: "task " + c.Name + " timed out"})
			}),
		},
	}
	return withTimeout(def, opts.Timeout, timeoutFailure("task "+c.Name+" timed out"))
}

func childDefinition(c *Call, opts api.CallOptions) definition {
	def := definition{
		command: true,
		triggers: []Trigger{
			OnWorkflowEvent(api.EventChildWorkflowSucceeded, func(e api.WorkflowEvent) *Result {
				return Resolved(e.Result)
			}),
			OnWorkflowEvent(api.EventChildWorkflowFailed, func(e api.WorkflowEvent) *Result {
				return Failed(&api.ChildWorkflowError{
					Workflow:    c.Name,
					ExecutionID: c.ExecutionID,
					Name:        e.Error,
					Message:     e.Message,
				})
			}),
		},
	}
	return withTimeout(def, opts.Timeout, timeoutFailure("child workflow "+c.Name+" timed out"))
}

func expectSignalDefinition(c *Call, opts api.CallOptions) definition {
	def := definition{
		triggers: []Trigger{
			OnSignal(c.SignalID, func(e api.WorkflowEvent) *Result { return Resolved(e.Payload) }),
		},
	}
	return withTimeout(def, opts.Timeout, timeoutFailure("expect signal "+c.SignalID+" timed out"))
}

func conditionDefinition(predicate func() bool, opts api.CallOptions) definition {
	def := definition{
		triggers: []Trigger{
			AfterEveryEvent(predicate, func() *Result { return Resolved(true) }),
		},
	}
	if predicate() {
		def.result = Resolved(true)
	}
	return withTimeout(def, opts.Timeout, func() *Result { return Resolved(false) })
}

// requestDefinition serves entity, bucket, search and transaction calls.
func requestDefinition(kind api.CallKind) definition {
	types := resultTypes[kind]
	succeeded, failed := types[0], types[1]
	return definition{
		command: true,
		triggers: []Trigger{
			OnWorkflowEvent(succeeded, func(e api.WorkflowEvent) *Result { return Resolved(e.Result) }),
			OnWorkflowEvent(failed, func(e api.WorkflowEvent) *Result {
				return Failed(&api.RequestError{Kind: kind, Name: e.Error, Message: e.Message})
			}),
		},
	}
}
