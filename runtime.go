package eventide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/petrijr/eventide/internal/command"
	"github.com/petrijr/eventide/internal/engine"
	"github.com/petrijr/eventide/internal/logs"
	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/internal/resources"
	"github.com/petrijr/eventide/internal/timer"
	"github.com/petrijr/eventide/internal/transport"
	"github.com/petrijr/eventide/pkg/api"
	"github.com/petrijr/eventide/pkg/worker"
)

// LogEntry is one log line written by a workflow program.
type LogEntry = logs.Entry

// TransactionFunc is the body of a transaction a workflow can invoke.
type TransactionFunc = resources.TransactionFunc

const waitPollInterval = 20 * time.Millisecond

// Option customizes a Runtime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger of every component. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

// WithObserver adds an observer next to the runtime's own metrics.
func WithObserver(obs Observer) Option {
	return func(o *runtimeOptions) { o.observer = obs }
}

// closer is a transport that can be shut down.
type closer interface {
	Close() error
}

// Runtime wires the engine, its workers and their transports into one
// process.
//
// Typical usage:
//
//	rt, err := eventide.NewRuntime(ctx, eventide.DefaultConfig())
//	_ = rt.RegisterWorkflow("greet", greet)
//	_ = rt.Start(ctx)
//	defer rt.Close()
//
//	res, _ := rt.StartExecution(ctx, eventide.StartExecutionRequest{WorkflowName: "greet", Input: "world"})
//	exec, _ := rt.WaitForCompletion(ctx, res.ExecutionID)
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	registry     *engine.Registry
	client       *engine.Client
	orchestrator *engine.Orchestrator
	timers       *timer.Client
	scheduler    *timer.CronScheduler
	transactions *resources.Transactions
	events       *resources.MemoryEventClient
	logs         *logs.MemoryClient
	metrics      *api.BasicMetrics

	orchestratorWorker *worker.OrchestratorWorker
	taskWorker         *worker.TaskWorker
	timerWorker        *worker.TimerWorker

	backend    *backend
	transports []closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	closed  bool
}

// NewRuntime validates cfg, connects to its backend and builds a Runtime.
// Call Start to run the workers.
func NewRuntime(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(cfg, b, opts...)
	if err != nil {
		_ = b.close()
		return nil, err
	}
	return rt, nil
}

func newRuntime(cfg Config, b *backend, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := &api.BasicMetrics{}
	observer := api.NewCompositeObserver(metrics, o.observer)

	rt := &Runtime{
		cfg:          cfg,
		logger:       logger,
		registry:     engine.NewRegistry(),
		transactions: resources.NewTransactions(),
		logs:         logs.NewMemoryClient(),
		metrics:      metrics,
		backend:      b,
	}

	var (
		queue    transport.ExecutionQueue
		consumer transport.ExecutionConsumer
		tasks    transport.TaskChannel
		taskSrc  transport.TaskConsumer
		events   command.EventClient
	)
	switch cfg.Transport {
	case TransportWatermill:
		pubsub := transport.NewGoChannel(watermill.NewSlogLogger(logger))
		wcfg := transport.WatermillConfig{RedeliveryDelay: cfg.RetryBackoff, Logger: logger}
		q := transport.NewWatermillExecutionQueue(pubsub, pubsub, wcfg)
		t := transport.NewWatermillTaskChannel(pubsub, pubsub, wcfg)
		if err := errors.Join(q.Subscribe(), t.Subscribe()); err != nil {
			_ = q.Close()
			_ = t.Close()
			return nil, fmt.Errorf("subscribe watermill transports: %w", err)
		}
		queue, consumer, tasks, taskSrc = q, q, t, t
		events = resources.NewWatermillEventClient(pubsub, resources.EventsTopic)
		rt.transports = append(rt.transports, q, t, pubsub)
	default:
		q := transport.NewMemoryExecutionQueue(cfg.RetryBackoff)
		t := transport.NewMemoryTaskChannel(cfg.TaskWorkers*cfg.BatchSize, cfg.RetryBackoff)
		queue, consumer, tasks, taskSrc = q, q, t, t
		rt.events = resources.NewMemoryEventClient()
		events = rt.events
		rt.transports = append(rt.transports, q, t)
	}

	rt.scheduler = timer.NewCronScheduler(nil, logger)
	rt.timers = timer.NewClient(timer.Config{
		Queue:     b.timers,
		Scheduler: rt.scheduler,
		Threshold: cfg.TimerThreshold,
		Logger:    logger,
		Observer:  observer,
	})
	forwarder := &timer.Forwarder{Client: rt.timers}
	rt.scheduler.SetForward(forwarder.Forward)

	store := persistence.FromStore(b.store)
	client, err := engine.NewClient(engine.ClientConfig{
		Persistence: store,
		Queue:       queue,
		Registry:    rt.registry,
		Timers:      rt.timers,
		Observer:    observer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	rt.client = client

	executor := command.New(command.Config{
		Queue:        queue,
		Timers:       rt.timers,
		Tasks:        tasks,
		Workflows:    client,
		Events:       events,
		Entities:     b.entities,
		Buckets:      resources.NewMemoryBucket(),
		Search:       resources.NewMemorySearchIndex(),
		Transactions: rt.transactions,
		Logger:       logger,
	})

	orch, err := engine.NewOrchestrator(engine.Config{
		Persistence: store,
		Registry:    rt.registry,
		Executor:    executor,
		Queue:       queue,
		Logs:        rt.logs,
		LogLevel:    cfg.SlogLevel(),
		LeaseTTL:    cfg.LeaseTTL,
		Observer:    observer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	rt.orchestrator = orch

	rt.orchestratorWorker = worker.NewOrchestratorWorker(consumer, orch,
		cfg.workerConfig(worker.DefaultConcurrency, logger, observer))
	rt.taskWorker = worker.NewTaskWorker(worker.TaskWorkerDeps{
		Consumer: taskSrc,
		Tasks:    tasks,
		Queue:    queue,
		Claims:   store.Claims,
		Registry: rt.registry,
	}, cfg.workerConfig(cfg.TaskWorkers, logger, observer))
	rt.timerWorker = worker.NewTimerWorker(b.timers, &timer.Handler{Queue: queue},
		cfg.workerConfig(cfg.TimerWorkers, logger, observer))

	return rt, nil
}

// RegisterWorkflow makes a workflow program available under name.
func (r *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) error {
	return r.registry.RegisterWorkflow(name, fn)
}

// RegisterTask makes a task available under name. The optional policy
// controls retries; without one a task runs once.
func (r *Runtime) RegisterTask(name string, fn TaskFunc, policy ...RetryPolicy) error {
	var p RetryPolicy
	if len(policy) > 0 {
		p = policy[0]
	}
	return r.registry.RegisterTask(name, fn, p)
}

// RegisterTransaction makes a transaction available to Context.InvokeTransaction.
func (r *Runtime) RegisterTransaction(name string, fn TransactionFunc) {
	r.transactions.Register(name, fn)
}

// Start runs the workers in background goroutines until Stop.
//
// Calling Start twice without Stop returns an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("eventide: runtime closed")
	}
	if r.running {
		return errors.New("eventide: runtime already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.scheduler.Start()

	run := func(name string, fn func(context.Context) error) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := fn(ctx); err != nil {
				r.logger.Error("worker stopped", "worker", name, "error", err)
			}
		}()
	}
	for i := 0; i < r.cfg.OrchestratorWorkers; i++ {
		run("orchestrator", r.orchestratorWorker.Run)
	}
	run("task", r.taskWorker.Run)
	run("timer", r.timerWorker.Run)

	r.logger.Debug("runtime started",
		"backend", r.cfg.Backend,
		"transport", r.cfg.Transport,
		"orchestrator_workers", r.cfg.OrchestratorWorkers)
	return nil
}

// Stop cancels the workers started by Start and waits for them to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.scheduler.Stop()
}

// Close stops the runtime and releases its transports and backend.
func (r *Runtime) Close() error {
	r.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, t := range r.transports {
		if err := t.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := r.backend.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartExecution starts a workflow. See engine.Client.StartExecution for the
// idempotency rules.
func (r *Runtime) StartExecution(ctx context.Context, req StartExecutionRequest) (StartExecutionResult, error) {
	return r.client.StartExecution(ctx, req)
}

// Execute starts a workflow under a fresh execution name and waits for it to
// finish. A failed execution is returned together with an error.
func (r *Runtime) Execute(ctx context.Context, workflowName string, input any) (*Execution, error) {
	res, err := r.StartExecution(ctx, StartExecutionRequest{WorkflowName: workflowName, Input: input})
	if err != nil {
		return nil, err
	}
	exec, err := r.WaitForCompletion(ctx, res.ExecutionID)
	if err != nil {
		return exec, err
	}
	if exec.Status == StatusFailed {
		return exec, fmt.Errorf("eventide: execution %s failed: %s: %s", exec.ID, exec.Error, exec.Message)
	}
	return exec, nil
}

// SendSignal delivers a signal to a running execution.
func (r *Runtime) SendSignal(ctx context.Context, executionID, signalID string, payload any) error {
	return r.client.SendSignal(ctx, executionID, signalID, payload, "")
}

// SendSignalOnce is SendSignal with a caller-chosen delivery id. Repeated
// deliveries with the same id reach the workflow once.
func (r *Runtime) SendSignalOnce(ctx context.Context, executionID, signalID, deliveryID string, payload any) error {
	return r.client.SendSignal(ctx, executionID, signalID, payload, deliveryID)
}

func (r *Runtime) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return r.client.GetExecution(ctx, executionID)
}

func (r *Runtime) ListExecutions(ctx context.Context, filter ExecutionFilter) (ExecutionPage, error) {
	return r.client.ListExecutions(ctx, filter)
}

func (r *Runtime) GetHistory(ctx context.Context, executionID string) ([]WorkflowEvent, error) {
	return r.client.GetHistory(ctx, executionID)
}

// WaitForCompletion blocks until the execution is terminal or ctx is done.
func (r *Runtime) WaitForCompletion(ctx context.Context, executionID string) (*Execution, error) {
	return r.client.WaitForCompletion(ctx, executionID, waitPollInterval)
}

// Logs returns the log lines the workflow program of an execution wrote.
func (r *Runtime) Logs(executionID string) []LogEntry {
	return r.logs.Entries(executionID)
}

// Metrics returns a snapshot of the runtime's counters.
func (r *Runtime) Metrics() BasicMetricsSnapshot {
	return r.metrics.Snapshot()
}

// WorkflowNames lists the registered workflows.
func (r *Runtime) WorkflowNames() []string {
	return r.registry.WorkflowNames()
}

// PendingTimers is the number of timers waiting on the short path.
func (r *Runtime) PendingTimers() int {
	return r.backend.timers.Len()
}
