package interpreter

import "github.com/petrijr/eventide/pkg/api"

// Result is the outcome of a call or of the whole program.
type Result struct {
	Value any
	Err   error
}

// Resolved is a successful Result.
func Resolved(v any) *Result { return &Result{Value: v} }

// Failed is a failed Result.
func Failed(err error) *Result { return &Result{Err: err} }

type triggerKind int

const (
	triggerEvent triggerKind = iota + 1
	triggerSignal
	triggerPromise
	triggerAfterEveryEvent
)

// Trigger resolves a pending call. A handler returning nil leaves the call
// pending.
type Trigger struct {
	kind triggerKind

	eventType api.EventType
	signalID  string
	promise   *future
	predicate func() bool

	onEvent   func(api.WorkflowEvent) *Result
	onSettled func(value any, err error) *Result
	onTrue    func() *Result
}

// OnWorkflowEvent fires when a history event of type t with the call's seq is
// applied.
func OnWorkflowEvent(t api.EventType, handler func(api.WorkflowEvent) *Result) Trigger {
	return Trigger{kind: triggerEvent, eventType: t, onEvent: handler}
}

// OnSignal fires for every received signal with the given id.
func OnSignal(signalID string, handler func(api.WorkflowEvent) *Result) Trigger {
	return Trigger{kind: triggerSignal, signalID: signalID, onEvent: handler}
}

// OnPromiseResolution fires when f settles. f must be a future issued by the
// same workflow.
func OnPromiseResolution(f api.Future, handler func(value any, err error) *Result) Trigger {
	fut, ok := f.(*future)
	if !ok {
		panic("interpreter: timeout must be a future issued by the workflow")
	}
	return Trigger{kind: triggerPromise, promise: fut, onSettled: handler}
}

// AfterEveryEvent re-evaluates predicate after each applied event and fires
// once it holds.
func AfterEveryEvent(predicate func() bool, handler func() *Result) Trigger {
	return Trigger{kind: triggerAfterEveryEvent, predicate: predicate, onTrue: handler}
}
