package eventide

// LocalRuntime is a Runtime on in-memory stores and transports, for local
// development, tests and single-process deployments. Nothing survives a
// restart.
//
// Typical usage:
//
//	rt := eventide.NewLocalRuntime()
//	_ = rt.RegisterWorkflow("my-flow", myFlow)
//	_ = rt.Start(ctx)
//	defer rt.Close()
//
//	exec, err := rt.Execute(ctx, "my-flow", input)
type LocalRuntime struct {
	*Runtime
}

// NewLocalRuntime builds a LocalRuntime from DefaultConfig.
func NewLocalRuntime(opts ...Option) *LocalRuntime {
	rt, err := newRuntime(DefaultConfig(), memoryBackend(), opts...)
	if err != nil {
		// Only reachable with a broken default configuration.
		panic("eventide: build local runtime: " + err.Error())
	}
	return &LocalRuntime{Runtime: rt}
}

// EmittedEvents returns everything workflows passed to Context.EmitEvents.
func (r *LocalRuntime) EmittedEvents() []OutboundEvent {
	return r.events.Events()
}
