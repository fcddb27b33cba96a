package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration turns.
type Observer interface {
	// OnWorkflowStart is called once when an execution record is created.
	OnWorkflowStart(ctx context.Context, exec *Execution)

	// OnWorkflowSucceeded is called when an execution reaches
	// StatusSucceeded.
	OnWorkflowSucceeded(ctx context.Context, exec *Execution)

	// OnWorkflowFailed is called when an execution reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, exec *Execution, err error)

	// OnTurnStart is called before the interpreter runs for a batch of
	// events.
	OnTurnStart(ctx context.Context, executionID string, incoming int)

	// OnTurnCompleted is called after a turn, for both successes and
	// failures (err != nil). commands is the number of calls dispatched.
	OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, duration time.Duration)

	// OnTaskClaim is called after a task worker tried to claim an attempt.
	OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool)

	// OnTaskCompleted is called after a task body returns.
	OnTaskCompleted(ctx context.Context, req TaskRequest, err error, duration time.Duration)

	// OnTimerScheduled is called when a timer is handed to the short or the
	// long path.
	OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, exec *Execution)              {}
func (NoopObserver) OnWorkflowSucceeded(ctx context.Context, exec *Execution)          {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, exec *Execution, err error)  {}
func (NoopObserver) OnTurnStart(ctx context.Context, executionID string, incoming int) {}
func (NoopObserver) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool)    {}
func (NoopObserver) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
}
func (NoopObserver) OnTaskCompleted(ctx context.Context, req TaskRequest, err error, d time.Duration) {
}
func (NoopObserver) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnWorkflowSucceeded(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnWorkflowSucceeded(ctx, exec)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnTurnStart(ctx context.Context, executionID string, incoming int) {
	for _, o := range c.observers {
		o.OnTurnStart(ctx, executionID, incoming)
	}
}

func (c *CompositeObserver) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTurnCompleted(ctx, executionID, commands, err, d)
	}
}

func (c *CompositeObserver) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool) {
	for _, o := range c.observers {
		o.OnTaskClaim(ctx, req, claimed)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, req TaskRequest, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, req, err, d)
	}
}

func (c *CompositeObserver) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
	for _, o := range c.observers {
		o.OnTimerScheduled(ctx, executionID, fireAt, longPath)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution, turn and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", exec.WorkflowName),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnWorkflowSucceeded(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "workflow_succeeded",
		slog.String("workflow", exec.WorkflowName),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", exec.WorkflowName),
		slog.String("execution_id", exec.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTurnStart(ctx context.Context, executionID string, incoming int) {
	o.Logger.DebugContext(ctx, "turn_start",
		slog.String("execution_id", executionID),
		slog.Int("incoming", incoming),
	)
}

func (o *LoggingObserver) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "turn_completed",
		slog.String("execution_id", executionID),
		slog.Int("commands", commands),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool) {
	o.Logger.DebugContext(ctx, "task_claim",
		slog.String("execution_id", req.ExecutionID),
		slog.String("task", req.TaskName),
		slog.Int("seq", req.Seq),
		slog.Int("retry", req.Retry),
		slog.Bool("claimed", claimed),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, req TaskRequest, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("execution_id", req.ExecutionID),
		slog.String("task", req.TaskName),
		slog.Int("seq", req.Seq),
		slog.Int("retry", req.Retry),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
	o.Logger.DebugContext(ctx, "timer_scheduled",
		slog.String("execution_id", executionID),
		slog.Time("fire_at", fireAt),
		slog.Bool("long_path", longPath),
	)
}

// BasicMetrics collects simple counters and aggregate turn durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsSucceeded atomic.Int64
	workflowsFailed    atomic.Int64
	turnsCompleted     atomic.Int64
	turnsFailed        atomic.Int64
	totalTurnDuration  atomic.Int64 // nanoseconds
	tasksClaimed       atomic.Int64
	claimsRejected     atomic.Int64
	longTimers         atomic.Int64
	shortTimers        atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsSucceeded int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	TurnsCompleted  int64
	TurnsFailed     int64
	AvgTurnDuration time.Duration

	TasksClaimed   int64
	ClaimsRejected int64

	ShortTimers int64
	LongTimers  int64
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, exec *Execution) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowSucceeded(ctx context.Context, exec *Execution) {
	m.workflowsSucceeded.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, exec *Execution, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
	if err != nil {
		m.turnsFailed.Add(1)
		return
	}
	m.turnsCompleted.Add(1)
	m.totalTurnDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool) {
	if claimed {
		m.tasksClaimed.Add(1)
	} else {
		m.claimsRejected.Add(1)
	}
}

func (m *BasicMetrics) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
	if longPath {
		m.longTimers.Add(1)
	} else {
		m.shortTimers.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	succeeded := m.workflowsSucceeded.Load()
	failed := m.workflowsFailed.Load()
	turns := m.turnsCompleted.Load()
	totalNs := m.totalTurnDuration.Load()

	var avg time.Duration
	if turns > 0 {
		avg = time.Duration(totalNs / turns)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsSucceeded: succeeded,
		WorkflowsFailed:    failed,
		PendingWorkflows:   started - succeeded - failed,
		TurnsCompleted:     turns,
		TurnsFailed:        m.turnsFailed.Load(),
		AvgTurnDuration:    avg,
		TasksClaimed:       m.tasksClaimed.Load(),
		ClaimsRejected:     m.claimsRejected.Load(),
		ShortTimers:        m.shortTimers.Load(),
		LongTimers:         m.longTimers.Load(),
	}
}
