package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/eventide/internal/command"
	"github.com/petrijr/eventide/internal/logs"
	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

type recordingQueue struct {
	mu     sync.Mutex
	events map[string][]api.WorkflowEvent
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{events: make(map[string][]api.WorkflowEvent)}
}

func (q *recordingQueue) SubmitExecutionEvents(_ context.Context, id string, events ...api.WorkflowEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events[id] = append(q.events[id], events...)
	return nil
}

// take drains the pending events of one execution.
func (q *recordingQueue) take(id string) []api.WorkflowEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events[id]
	delete(q.events, id)
	return out
}

type recordingTasks struct {
	mu   sync.Mutex
	reqs []api.TaskRequest
}

func (r *recordingTasks) StartTask(_ context.Context, req api.TaskRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recordingTasks) requests() []api.TaskRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.TaskRequest(nil), r.reqs...)
}

type scheduledTimer struct {
	executionID string
	event       api.WorkflowEvent
	fireAt      time.Time
}

type recordingTimers struct {
	mu     sync.Mutex
	timers []scheduledTimer
}

func (r *recordingTimers) ScheduleEvent(_ context.Context, id string, e api.WorkflowEvent, fireAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers = append(r.timers, scheduledTimer{executionID: id, event: e, fireAt: fireAt})
	return nil
}

type harness struct {
	store    *persistence.InMemoryStore
	queue    *recordingQueue
	tasks    *recordingTasks
	timers   *recordingTimers
	logs     *logs.MemoryClient
	registry *Registry
	client   *Client
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    persistence.NewInMemoryStore(),
		queue:    newRecordingQueue(),
		tasks:    &recordingTasks{},
		timers:   &recordingTimers{},
		logs:     logs.NewMemoryClient(),
		registry: NewRegistry(),
	}
	p := persistence.FromStore(h.store)

	client, err := NewClient(ClientConfig{
		Persistence: p,
		Queue:       h.queue,
		Registry:    h.registry,
		Timers:      h.timers,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	h.client = client

	executor := command.New(command.Config{
		Queue:     h.queue,
		Timers:    h.timers,
		Tasks:     h.tasks,
		Workflows: client,
	})
	orch, err := NewOrchestrator(Config{
		Persistence: p,
		Registry:    h.registry,
		Executor:    executor,
		Queue:       h.queue,
		Logs:        h.logs,
		LeaseOwner:  "test-orchestrator",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) start(t *testing.T, workflow, name string, input any) string {
	t.Helper()
	resp, err := h.client.StartExecution(context.Background(), api.StartExecutionRequest{
		WorkflowName:  workflow,
		ExecutionName: name,
		Input:         input,
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return resp.ExecutionID
}

// turn processes everything queued for id.
func (h *harness) turn(t *testing.T, id string) TurnOutcome {
	t.Helper()
	outcome, err := h.orch.ProcessTurn(context.Background(), id, h.queue.take(id))
	if err != nil {
		t.Fatalf("ProcessTurn(%s): %v", id, err)
	}
	return outcome
}

func (h *harness) history(t *testing.T, id string) []api.WorkflowEvent {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	return events
}

func eventTypes(events []api.WorkflowEvent) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
