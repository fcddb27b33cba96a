package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/eventide/internal/engine"
	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/internal/transport"
	"github.com/petrijr/eventide/pkg/api"
)

// TaskPanicError is reported when a task function panics.
type TaskPanicError struct {
	Value any
}

func (e *TaskPanicError) Error() string     { return fmt.Sprintf("task panicked: %v", e.Value) }
func (e *TaskPanicError) ErrorName() string { return "Panic" }

// TaskWorkerDeps are the collaborators of a TaskWorker.
type TaskWorkerDeps struct {
	Consumer transport.TaskConsumer

	// Tasks receives retry attempts.
	Tasks transport.TaskChannel

	// Queue receives task results.
	Queue    transport.ExecutionQueue
	Claims   persistence.ClaimStore
	Registry *engine.Registry
}

// TaskWorker runs task attempts.
type TaskWorker struct {
	deps TaskWorkerDeps
	cfg  Config
}

func NewTaskWorker(deps TaskWorkerDeps, cfg Config) *TaskWorker {
	return &TaskWorker{deps: deps, cfg: cfg.withDefaults()}
}

// Handle runs one attempt of a task. An attempt that was already claimed is
// skipped without side effects. A returned error means the request should
// be redelivered.
func (w *TaskWorker) Handle(ctx context.Context, req api.TaskRequest) error {
	claimed, err := w.deps.Claims.ClaimTask(ctx, req.ExecutionID, req.Seq, req.Retry)
	if err != nil {
		return fmt.Errorf("claim task %s seq %d retry %d: %w", req.ExecutionID, req.Seq, req.Retry, err)
	}
	w.cfg.Observer.OnTaskClaim(ctx, req, claimed)
	if !claimed {
		return nil
	}

	logger := w.cfg.Logger.With("execution_id", req.ExecutionID, "task", req.TaskName, "seq", req.Seq, "retry", req.Retry)

	fn, policy, err := w.deps.Registry.Task(req.TaskName)
	if err != nil {
		logger.Error("task not registered", "error", err)
		return w.submit(ctx, req, api.NewTaskFailed(req.Seq, "TaskNotFound", err.Error()))
	}
	if req.Policy != nil {
		policy = *req.Policy
	}

	start := time.Now()
	result, runErr := runTask(ctx, fn, req.Input)
	w.cfg.Observer.OnTaskCompleted(ctx, req, runErr, time.Since(start))

	if runErr == nil {
		return w.submit(ctx, req, api.NewTaskSucceeded(req.Seq, result))
	}

	next := req.Retry + 1
	if next < policy.Attempts() {
		delay := policy.Delay(next)
		logger.Warn("task attempt failed; retrying", "delay", delay, "error", runErr)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		retry := req
		retry.Retry = next
		return w.report(ctx, logger, fmt.Sprintf("start retry %d of %s", next, req.TaskName), func(ctx context.Context) error {
			return w.deps.Tasks.StartTask(ctx, retry)
		})
	}

	logger.Warn("task failed", "attempts", next, "error", runErr)
	return w.submit(ctx, req, api.NewTaskFailed(req.Seq, api.ErrorName(runErr), runErr.Error()))
}

// maxReportBackoff caps the pause between attempts to report an outcome.
const maxReportBackoff = 5 * time.Second

func (w *TaskWorker) submit(ctx context.Context, req api.TaskRequest, e api.WorkflowEvent) error {
	logger := w.cfg.Logger.With("execution_id", req.ExecutionID, "seq", req.Seq, "retry", req.Retry)
	return w.report(ctx, logger, fmt.Sprintf("submit %s for %s", e.Type, req.ExecutionID), func(ctx context.Context) error {
		return w.deps.Queue.SubmitExecutionEvents(ctx, req.ExecutionID, e)
	})
}

// report runs fn until it succeeds, the transport is closed or ctx is done.
// The attempt is already claimed, so a redelivered request would not report
// the outcome again.
func (w *TaskWorker) report(ctx context.Context, logger *slog.Logger, what string, fn func(context.Context) error) error {
	backoff := w.cfg.ErrorBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrClosed) || isShutdown(ctx, err) {
			logger.Error("task outcome lost", "op", what, "error", err)
			return fmt.Errorf("%s: %w", what, err)
		}
		logger.Warn("reporting task outcome failed", "op", what, "attempt", attempt, "error", err)
		if serr := sleep(ctx, backoff); serr != nil {
			logger.Error("task outcome lost", "op", what, "error", err)
			return fmt.Errorf("%s: %w", what, err)
		}
		backoff = min(backoff*2, maxReportBackoff)
	}
}

func runTask(ctx context.Context, fn api.TaskFunc, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{Value: r}
		}
	}()
	return fn(ctx, input)
}

// Run receives task requests until ctx is done, running up to
// Config.Concurrency of them at once.
func (w *TaskWorker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d, err := w.deps.Consumer.ReceiveTask(ctx)
		if err != nil {
			<-sem
			if isShutdown(ctx, err) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			w.cfg.Logger.Error("receive task failed", "error", err)
			if err := sleep(ctx, w.cfg.ErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.Handle(ctx, d.Request); err != nil {
				w.cfg.Logger.Warn("task attempt will be redelivered",
					"execution_id", d.Request.ExecutionID, "task", d.Request.TaskName, "error", err)
				d.Nack()
				return
			}
			d.Ack()
		}()
	}
}
