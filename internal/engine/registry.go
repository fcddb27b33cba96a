package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/eventide/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when no workflow is registered under a
	// name.
	ErrWorkflowNotFound = api.ErrWorkflowNotFound

	// ErrTaskNotFound is returned when no task is registered under a name.
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionCollision is returned when an execution name is reused
	// with a different input.
	ErrExecutionCollision = api.ErrExecutionCollision
)

type taskEntry struct {
	fn     api.TaskFunc
	policy api.RetryPolicy
}

// Registry holds the workflow programs and task functions a process can run.
// It is shared by the orchestrator, the task worker and the client.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]api.WorkflowFunc
	tasks     map[string]taskEntry
}

func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]api.WorkflowFunc),
		tasks:     make(map[string]taskEntry),
	}
}

// RegisterWorkflow adds a workflow program under name.
func (r *Registry) RegisterWorkflow(name string, fn api.WorkflowFunc) error {
	if name == "" || fn == nil {
		return errors.New("workflow name and function are required")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("workflow name %q must not contain '/'", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// RegisterTask adds a task function under name. policy is the default retry
// policy of the task; a call may override it.
func (r *Registry) RegisterTask(name string, fn api.TaskFunc, policy api.RetryPolicy) error {
	if name == "" || fn == nil {
		return errors.New("task name and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = taskEntry{fn: fn, policy: policy}
	return nil
}

func (r *Registry) Workflow(name string) (api.WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}
	return fn, nil
}

// Task returns the function and default retry policy registered under name.
func (r *Registry) Task(name string) (api.TaskFunc, api.RetryPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tasks[name]
	if !ok {
		return nil, api.RetryPolicy{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return entry.fn, entry.policy, nil
}

// HasWorkflow reports whether a workflow is registered under name.
func (r *Registry) HasWorkflow(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[name]
	return ok
}

// WorkflowNames returns the registered workflow names, sorted.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
