package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// countingObserver counts every callback.
type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
	last  error
}

func (o *countingObserver) inc(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[name]++
	if err != nil {
		o.last = err
	}
}

func (o *countingObserver) OnWorkflowStart(ctx context.Context, exec *Execution) {
	o.inc("start", nil)
}
func (o *countingObserver) OnWorkflowSucceeded(ctx context.Context, exec *Execution) {
	o.inc("succeeded", nil)
}
func (o *countingObserver) OnWorkflowFailed(ctx context.Context, exec *Execution, err error) {
	o.inc("failed", err)
}
func (o *countingObserver) OnTurnStart(ctx context.Context, executionID string, incoming int) {
	o.inc("turn_start", nil)
}
func (o *countingObserver) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
	o.inc("turn_completed", err)
}
func (o *countingObserver) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool) {
	o.inc("claim", nil)
}
func (o *countingObserver) OnTaskCompleted(ctx context.Context, req TaskRequest, err error, d time.Duration) {
	o.inc("task_completed", err)
}
func (o *countingObserver) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
	o.inc("timer", nil)
}

// recordingHandler is a minimal slog.Handler that records messages and
// levels.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func driveObserver(o Observer, err error) {
	ctx := context.Background()
	exec := &Execution{ID: "wf-test/e-1", WorkflowName: "wf-test"}
	req := TaskRequest{ExecutionID: exec.ID, TaskName: "charge", Seq: 2}

	o.OnWorkflowStart(ctx, exec)
	o.OnTurnStart(ctx, exec.ID, 1)
	o.OnTurnCompleted(ctx, exec.ID, 1, nil, 3*time.Millisecond)
	o.OnTaskClaim(ctx, req, true)
	o.OnTaskClaim(ctx, req, false)
	o.OnTaskCompleted(ctx, req, err, time.Millisecond)
	o.OnTimerScheduled(ctx, exec.ID, time.Now().Add(time.Minute), false)
	o.OnTimerScheduled(ctx, exec.ID, time.Now().Add(time.Hour), true)
	o.OnTurnCompleted(ctx, exec.ID, 0, err, time.Millisecond)
	o.OnWorkflowSucceeded(ctx, exec)
	o.OnWorkflowFailed(ctx, exec, err)
}

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	driveObserver(NoopObserver{}, errors.New("boom"))
}

func TestNewCompositeObserver_Shapes(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for no observers")
	}

	single := &countingObserver{}
	if got, ok := NewCompositeObserver(single, nil).(*countingObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned")
	}

	if _, ok := NewCompositeObserver(&countingObserver{}, &countingObserver{}).(*CompositeObserver); !ok {
		t.Fatalf("expected *CompositeObserver for several observers")
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	o1, o2 := &countingObserver{}, &countingObserver{}
	err := errors.New("task failed")
	driveObserver(NewCompositeObserver(o1, o2), err)

	want := map[string]int{
		"start": 1, "succeeded": 1, "failed": 1,
		"turn_start": 1, "turn_completed": 2,
		"claim": 2, "task_completed": 1, "timer": 2,
	}
	for i, o := range []*countingObserver{o1, o2} {
		for name, n := range want {
			if o.calls[name] != n {
				t.Fatalf("observer %d: expected %d %s calls, got %d", i+1, n, name, o.calls[name])
			}
		}
		if o.last != err {
			t.Fatalf("observer %d: error not forwarded", i+1)
		}
	}
}

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver")
	}
	if lo.Logger != slog.Default() {
		t.Fatalf("expected slog.Default()")
	}
}

func TestLoggingObserver_LevelsFollowErrors(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	driveObserver(o, errors.New("boom"))

	levels := make(map[string][]slog.Level)
	for _, r := range h.records {
		levels[r.Message] = append(levels[r.Message], r.Level)
	}

	if got := levels["turn_completed"]; len(got) != 2 || got[0] != slog.LevelDebug || got[1] != slog.LevelError {
		t.Fatalf("turn_completed levels: %v", got)
	}
	if got := levels["task_completed"]; len(got) != 1 || got[0] != slog.LevelWarn {
		t.Fatalf("task_completed levels: %v", got)
	}
	if got := levels["workflow_failed"]; len(got) != 1 || got[0] != slog.LevelError {
		t.Fatalf("workflow_failed levels: %v", got)
	}

	for _, r := range h.records {
		if r.Message != "workflow_start" {
			continue
		}
		attrs := attrsToMap(r)
		if attrs["workflow"] != "wf-test" || attrs["execution_id"] != "wf-test/e-1" {
			t.Fatalf("workflow_start attrs: %v", attrs)
		}
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	if s := m.Snapshot(); s.AvgTurnDuration != 0 || s.TurnsCompleted != 0 {
		t.Fatalf("expected zero snapshot, got %+v", s)
	}

	driveObserver(m, errors.New("boom"))
	s := m.Snapshot()

	if s.WorkflowsStarted != 1 || s.WorkflowsSucceeded != 1 || s.WorkflowsFailed != 1 {
		t.Fatalf("workflow counters: %+v", s)
	}
	if s.PendingWorkflows != -1 {
		t.Fatalf("expected started-succeeded-failed = -1, got %d", s.PendingWorkflows)
	}
	if s.TurnsCompleted != 1 || s.TurnsFailed != 1 || s.AvgTurnDuration != 3*time.Millisecond {
		t.Fatalf("turn counters: %+v", s)
	}
	if s.TasksClaimed != 1 || s.ClaimsRejected != 1 {
		t.Fatalf("claim counters: %+v", s)
	}
	if s.ShortTimers != 1 || s.LongTimers != 1 {
		t.Fatalf("timer counters: %+v", s)
	}
}

func TestOtelObserver_NoopProviders(t *testing.T) {
	o, err := NewOtelObserver()
	if err != nil {
		t.Fatalf("NewOtelObserver: %v", err)
	}
	driveObserver(o, errors.New("boom"))
}
