package interpreter

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/eventide/pkg/api"
)

// workflowContext is the api.Context of one coroutine.
type workflowContext struct {
	in *interpreter
	co *coroutine
}

var _ api.Context = (*workflowContext)(nil)

func (w *workflowContext) ExecutionID() string  { return w.in.opts.ExecutionID }
func (w *workflowContext) WorkflowName() string { return w.in.opts.WorkflowName }
func (w *workflowContext) Now() time.Time       { return w.in.now }
func (w *workflowContext) IsReplaying() bool    { return w.in.replay }
func (w *workflowContext) Logger() *slog.Logger { return w.in.logger }

func (w *workflowContext) Sleep(d time.Duration, opts ...api.CallOption) api.Future {
	return w.SleepUntil(w.in.now.Add(d), opts...)
}

func (w *workflowContext) SleepUntil(t time.Time, opts ...api.CallOption) api.Future {
	o := api.ApplyCallOptions(opts)
	c := &Call{Kind: api.CallTimer, Until: t}
	return w.in.issue(c, timerDefinition(o))
}

func (w *workflowContext) ExecuteTask(name string, input any, opts ...api.CallOption) api.Future {
	o := api.ApplyCallOptions(opts)
	c := &Call{
		Kind:        api.CallTask,
		Name:        name,
		Input:       input,
		TaskTimeout: o.TaskTimeout,
		Retry:       o.Retry,
	}
	return w.in.issue(c, taskDefinition(c, o))
}

func (w *workflowContext) ExecuteChildWorkflow(name string, input any, opts ...api.CallOption) api.Future {
	o := api.ApplyCallOptions(opts)
	c := &Call{
		Kind:          api.CallChildWorkflow,
		Name:          name,
		Input:         input,
		ExecutionName: o.ExecutionName,
	}
	if c.ExecutionName == "" {
		// The seq is not assigned yet; it is the next command seq.
		c.ExecutionName = api.ChildExecutionName(w.in.opts.ExecutionID, w.in.nextSeq())
	}
	c.ExecutionID = api.ExecutionID(name, c.ExecutionName)
	return w.in.issue(c, childDefinition(c, o))
}

func (w *workflowContext) SendSignal(target api.SignalTarget, signalID string, payload any) api.Future {
	if target.IsChild && target.ExecutionID == "" {
		if target.ChildSeq >= 0 && target.ChildSeq < len(w.in.commands) {
			if child := w.in.commands[target.ChildSeq].call; child.Kind == api.CallChildWorkflow {
				target.ExecutionID = child.ExecutionID
			}
		}
	}
	c := &Call{
		Kind:     api.CallSendSignal,
		SignalID: signalID,
		Payload:  payload,
		Target:   target,
	}
	return w.in.issue(c, definition{command: true, result: Resolved(nil)})
}

func (w *workflowContext) ExpectSignal(signalID string, opts ...api.CallOption) api.Future {
	o := api.ApplyCallOptions(opts)
	c := &Call{Kind: api.CallExpectSignal, SignalID: signalID}
	return w.in.issue(c, expectSignalDefinition(c, o))
}

type signalHandler struct {
	in *interpreter
	pc *pendingCall
}

func (h *signalHandler) Dispose() {
	h.in.resolve(h.pc, Resolved(nil))
}

func (w *workflowContext) OnSignal(signalID string, handler func(ctx api.Context, payload any)) api.SignalHandler {
	in := w.in
	c := &Call{Kind: api.CallRegisterSignalHandler, SignalID: signalID}
	def := definition{
		triggers: []Trigger{
			OnSignal(signalID, func(e api.WorkflowEvent) *Result {
				payload := e.Payload
				in.spawn(func(ctx api.Context) { handler(ctx, payload) })
				return nil
			}),
		},
	}
	return &signalHandler{in: in, pc: in.register(c, def)}
}

func (w *workflowContext) Condition(predicate func() bool, opts ...api.CallOption) api.Future {
	o := api.ApplyCallOptions(opts)
	c := &Call{Kind: api.CallCondition}
	return w.in.issue(c, conditionDefinition(predicate, o))
}

func (w *workflowContext) EmitEvents(events ...api.OutboundEvent) api.Future {
	c := &Call{Kind: api.CallEmitEvents, Events: events}
	return w.in.issue(c, definition{command: true, result: Resolved(nil)})
}

func (w *workflowContext) Entity(op api.EntityOperation) api.Future {
	c := &Call{Kind: api.CallEntity, Entity: &op}
	return w.in.issue(c, requestDefinition(api.CallEntity))
}

func (w *workflowContext) Bucket(op api.BucketOperation) api.Future {
	c := &Call{Kind: api.CallBucket, Bucket: &op}
	return w.in.issue(c, requestDefinition(api.CallBucket))
}

func (w *workflowContext) Search(q api.SearchQuery) api.Future {
	c := &Call{Kind: api.CallSearch, Search: &q}
	return w.in.issue(c, requestDefinition(api.CallSearch))
}

func (w *workflowContext) InvokeTransaction(name string, input any) api.Future {
	c := &Call{Kind: api.CallTransaction, Name: name, Input: input}
	return w.in.issue(c, requestDefinition(api.CallTransaction))
}

func (w *workflowContext) Await(cond func() bool) {
	w.co.waitUntil(cond)
}

func (w *workflowContext) Go(fn func(ctx api.Context)) {
	w.in.spawn(fn)
}

// replayHandler drops log records while the program replays history.
type replayHandler struct {
	inner     slog.Handler
	replaying func() bool
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.replaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.replaying() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
