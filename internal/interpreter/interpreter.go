// Package interpreter replays a workflow program against its history.
//
// The program runs on coroutines that suspend only inside Future.Get and
// Context.Await. Each call that produces a command takes the next sequence
// number; recorded scheduled events must correspond to those calls, and
// result events are routed back to them through triggers. Local calls
// (conditions, signal waits and handlers) never reach history and carry no
// sequence number.
package interpreter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// Options configure one interpretation.
type Options struct {
	ExecutionID  string
	WorkflowName string
	Input        any
	StartTime    time.Time

	// Replaying is true when the program start was already executed in an
	// earlier turn.
	Replaying bool

	// ReplayCount is the number of leading history events that were applied
	// in earlier turns.
	ReplayCount int

	Logger *slog.Logger
}

// Output is the outcome of one interpretation.
type Output struct {
	// Result is nil while the program is still waiting.
	Result *Result

	// Commands are the calls issued in this turn that need a side effect, in
	// seq order.
	Commands []*Call

	// Recorded are the command-producing calls whose scheduled events were
	// already in history, in seq order.
	Recorded []*Call
}

type pendingCall struct {
	call     *Call
	future   *future
	triggers []Trigger
	matched  bool
}

type interpreter struct {
	opts Options

	// calls holds every issued call; commands holds the command-producing
	// ones indexed by seq.
	calls     []*pendingCall
	commands  []*pendingCall
	scheduled map[int]api.WorkflowEvent

	sched  scheduler
	now    time.Time
	replay bool
	logger *slog.Logger

	result *Result
	done   bool
	fatal  error
}

// determinismPanic unwinds a coroutine that issued a call contradicting
// history.
type determinismPanic struct{ err error }

// Interpret runs program against history. history must contain only
// history-eligible events, in order.
//
// A *api.DeterminismError is returned when the program and the recorded
// history disagree.
func Interpret(program api.WorkflowFunc, history []api.WorkflowEvent, opts Options) (*Output, error) {
	in := &interpreter{
		opts:      opts,
		scheduled: make(map[int]api.WorkflowEvent),
		now:       opts.StartTime,
		replay:    opts.Replaying,
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	in.logger = slog.New(&replayHandler{inner: base.Handler(), replaying: in.isReplaying})

	for _, e := range history {
		if !e.Type.IsHistory() {
			return nil, fmt.Errorf("interpreter: non-history event %s in history", e.Type)
		}
		if e.Type.IsScheduled() {
			in.scheduled[e.Seq] = e
		}
	}
	defer in.sched.close()

	main := &workflowContext{in: in}
	main.co = in.sched.spawn(func() {
		defer in.guard()
		v, err := program(main, opts.Input)
		in.complete(Result{Value: v, Err: err})
	})
	if err := in.settle(); err != nil {
		return nil, err
	}

	for i, e := range history {
		if in.done {
			break
		}
		in.replay = i < opts.ReplayCount
		if e.Timestamp.After(in.now) {
			in.now = e.Timestamp
		}
		if err := in.apply(e); err != nil {
			return nil, err
		}
		if err := in.settle(); err != nil {
			return nil, err
		}
	}
	in.replay = false

	// Calls issued right before the program returned still need their side
	// effects, so commands are collected even for a terminal result.
	out := &Output{Result: in.result}
	for _, pc := range in.commands {
		if pc.matched {
			out.Recorded = append(out.Recorded, pc.call)
		} else {
			out.Commands = append(out.Commands, pc.call)
		}
	}
	return out, nil
}

func (in *interpreter) isReplaying() bool { return in.replay }

func (in *interpreter) stopped() bool { return in.done || in.fatal != nil }

// settle runs coroutines until they block, then re-checks conditions; it
// repeats while conditions keep resolving.
func (in *interpreter) settle() error {
	for {
		in.sched.runUntilBlocked(in.stopped)
		if in.fatal != nil {
			return in.fatal
		}
		if in.done {
			return nil
		}
		changed, err := in.evaluateConditions()
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

func (in *interpreter) evaluateConditions() (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			in.complete(Result{Err: fmt.Errorf("condition panicked: %v", r)})
			changed = false
		}
	}()
	for _, pc := range in.calls {
		if pc.future.settled {
			continue
		}
		for _, t := range pc.triggers {
			if t.kind != triggerAfterEveryEvent || !t.predicate() {
				continue
			}
			in.resolve(pc, t.onTrue())
			changed = true
			break
		}
	}
	return changed, nil
}

// guard is deferred by every coroutine body.
func (in *interpreter) guard() {
	r := recover()
	if r == nil {
		return
	}
	if dp, ok := r.(*determinismPanic); ok {
		in.fatal = dp.err
		return
	}
	in.complete(Result{Err: &panicError{value: r}})
}

func (in *interpreter) complete(r Result) {
	if in.done {
		return
	}
	in.result = &r
	in.done = true
}

func (in *interpreter) fail(err error) {
	if in.fatal == nil {
		in.fatal = err
	}
	panic(&determinismPanic{err: err})
}

// issue registers a new call. It runs on the issuing coroutine.
func (in *interpreter) issue(c *Call, def definition) *future {
	return in.register(c, def).future
}

// nextSeq is the seq the next command-producing call will take.
func (in *interpreter) nextSeq() int { return len(in.commands) }

func (in *interpreter) register(c *Call, def definition) *pendingCall {
	c.Seq = -1
	pc := &pendingCall{
		call:     c,
		future:   &future{},
		triggers: def.triggers,
	}
	in.calls = append(in.calls, pc)

	if def.command {
		c.Seq = in.nextSeq()
		in.commands = append(in.commands, pc)
		if e, ok := in.scheduled[c.Seq]; ok {
			if !IsCorresponding(e, c) {
				in.fail(&api.DeterminismError{
					Seq:    c.Seq,
					Event:  e.Type,
					Call:   c.Kind,
					Reason: "recorded event does not correspond to the issued call",
				})
			}
			pc.matched = true
		}
	}

	if def.result != nil {
		in.resolve(pc, def.result)
		return pc
	}
	for _, t := range def.triggers {
		if t.kind != triggerPromise {
			continue
		}
		t.promise.onSettle(func() {
			in.resolve(pc, t.onSettled(t.promise.value, t.promise.err))
		})
	}
	return pc
}

func (in *interpreter) resolve(pc *pendingCall, r *Result) {
	if r == nil || pc.future.settled {
		return
	}
	pc.triggers = nil
	pc.future.settle(r.Value, r.Err)
}

func (in *interpreter) apply(e api.WorkflowEvent) error {
	switch {
	case e.Type.IsScheduled():
		if e.Seq < 0 || e.Seq >= len(in.commands) {
			return &api.DeterminismError{Seq: e.Seq, Event: e.Type, Reason: "no call was issued for this seq"}
		}
		pc := in.commands[e.Seq]
		if !pc.matched || !IsCorresponding(e, pc.call) {
			return &api.DeterminismError{Seq: e.Seq, Event: e.Type, Call: pc.call.Kind, Reason: "recorded event does not correspond to the issued call"}
		}
		return nil

	case e.Type == api.EventSignalReceived:
		in.deliverSignal(e)
		return nil

	case e.Type == api.EventWorkflowTimedOut:
		in.complete(Result{Err: &api.TimeoutError{Message: "workflow timed out"}})
		return nil

	case e.Type.HasSeq():
		if e.Seq < 0 || e.Seq >= len(in.commands) {
			return &api.DeterminismError{Seq: e.Seq, Event: e.Type, Reason: "result for a call that was never issued"}
		}
		pc := in.commands[e.Seq]
		if !acceptsResult(pc.call.Kind, e.Type) {
			return &api.DeterminismError{Seq: e.Seq, Event: e.Type, Call: pc.call.Kind, Reason: "result type does not match the call"}
		}
		if pc.future.settled {
			// The call was already decided, for example by its timeout.
			return nil
		}
		for _, t := range pc.triggers {
			if t.kind == triggerEvent && t.eventType == e.Type {
				in.resolve(pc, t.onEvent(e))
				break
			}
		}
		return nil
	}
	return fmt.Errorf("interpreter: unexpected history event %s", e.Type)
}

func (in *interpreter) deliverSignal(e api.WorkflowEvent) {
	for _, pc := range in.calls {
		if pc.future.settled {
			continue
		}
		for _, t := range pc.triggers {
			if t.kind == triggerSignal && t.signalID == e.SignalID {
				in.resolve(pc, t.onEvent(e))
				break
			}
		}
	}
}

// spawn starts fn on a new coroutine with its own context.
func (in *interpreter) spawn(fn func(ctx api.Context)) {
	wc := &workflowContext{in: in}
	wc.co = in.sched.spawn(func() {
		defer in.guard()
		fn(wc)
	})
}

type panicError struct{ value any }

func (e *panicError) Error() string     { return fmt.Sprintf("workflow panicked: %v", e.value) }
func (e *panicError) ErrorName() string { return "Panic" }
