package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/petrijr/eventide/internal/persistence"
	"github.com/petrijr/eventide/pkg/api"
)

// startedEventID is the id of every WorkflowStarted event, so a start that is
// repeated after a crash is dropped as a duplicate.
const startedEventID = string(api.EventWorkflowStarted)

// TimerClient delivers an event to an execution at a future time.
type TimerClient interface {
	ScheduleEvent(ctx context.Context, executionID string, event api.WorkflowEvent, fireAt time.Time) error
}

// ClientConfig describes how to construct a Client.
type ClientConfig struct {
	Persistence persistence.Persistence
	Queue       ExecutionQueue

	// Registry, when set, rejects starts of unknown workflows.
	Registry *Registry

	// Timers delivers execution timeouts. Starts with a timeout fail when it
	// is nil.
	Timers TimerClient

	Observer api.Observer
	Logger   *slog.Logger
}

// Client starts and inspects executions.
type Client struct {
	cfg      ClientConfig
	validate *validator.Validate
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Persistence.Executions == nil || cfg.Persistence.History == nil {
		return nil, errors.New("engine: execution and history stores are required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: execution queue is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, validate: validator.New()}, nil
}

// StartExecution creates an execution and delivers its start event.
//
// Starting an existing execution name with the same input returns its id
// with AlreadyRunning set; a different input fails with
// ErrExecutionCollision.
func (c *Client) StartExecution(ctx context.Context, req api.StartExecutionRequest) (api.StartExecutionResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return api.StartExecutionResponse{}, fmt.Errorf("invalid start request: %w", err)
	}
	if c.cfg.Registry != nil && !c.cfg.Registry.HasWorkflow(req.WorkflowName) {
		return api.StartExecutionResponse{}, fmt.Errorf("%w: %q", ErrWorkflowNotFound, req.WorkflowName)
	}
	if req.Timeout > 0 && c.cfg.Timers == nil {
		return api.StartExecutionResponse{}, errors.New("execution timeout requires a timer client")
	}
	if req.ExecutionName == "" {
		req.ExecutionName = uuid.NewString()
	}

	hash, err := api.HashInput(req.Input)
	if err != nil {
		return api.StartExecutionResponse{}, err
	}
	exec := &api.Execution{
		ID:            api.ExecutionID(req.WorkflowName, req.ExecutionName),
		WorkflowName:  req.WorkflowName,
		ExecutionName: req.ExecutionName,
		Status:        api.StatusInProgress,
		StartTime:     api.Now(),
		Parent:        req.Parent,
		InputHash:     hash,
		Input:         req.Input,
	}
	resp := api.StartExecutionResponse{ExecutionID: exec.ID}

	err = c.cfg.Persistence.Executions.CreateExecution(ctx, exec)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrExecutionAlreadyExists):
		existing, gerr := c.cfg.Persistence.Executions.GetExecution(ctx, exec.ID)
		if gerr != nil {
			return api.StartExecutionResponse{}, fmt.Errorf("load existing execution %s: %w", exec.ID, gerr)
		}
		if existing.InputHash != hash {
			return api.StartExecutionResponse{}, fmt.Errorf("%w: %s", ErrExecutionCollision, exec.ID)
		}
		resp.AlreadyRunning = true
		if existing.Status.IsTerminal() {
			return resp, nil
		}
		// The first start may have crashed before its event was delivered.
		exec = existing
	default:
		return api.StartExecutionResponse{}, fmt.Errorf("create execution %s: %w", exec.ID, err)
	}

	started := api.NewWorkflowStarted(exec.WorkflowName, exec.Input, exec.Parent, req.Timeout)
	started.ID = startedEventID
	started.Timestamp = exec.StartTime
	if err := c.cfg.Queue.SubmitExecutionEvents(ctx, exec.ID, started); err != nil {
		return api.StartExecutionResponse{}, fmt.Errorf("submit start of %s: %w", exec.ID, err)
	}

	// Only the request that created the execution arms its timeout.
	if req.Timeout > 0 && !resp.AlreadyRunning {
		if err := c.cfg.Timers.ScheduleEvent(ctx, exec.ID, api.NewWorkflowTimedOut(), exec.StartTime.Add(req.Timeout)); err != nil {
			return api.StartExecutionResponse{}, fmt.Errorf("schedule timeout of %s: %w", exec.ID, err)
		}
	}

	if !resp.AlreadyRunning {
		c.cfg.Observer.OnWorkflowStart(ctx, exec)
		c.cfg.Logger.Debug("execution started", "execution_id", exec.ID)
	}
	return resp, nil
}

// SendSignal delivers an external signal. deliveryID is optional; signals
// sent again with the same delivery id are applied once.
func (c *Client) SendSignal(ctx context.Context, executionID, signalID string, payload any, deliveryID string) error {
	if signalID == "" {
		return errors.New("signal id is required")
	}
	exec, err := c.cfg.Persistence.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("signal %s: %w", executionID, err)
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("cannot signal execution %s in status %s", executionID, exec.Status)
	}
	return c.cfg.Queue.SubmitExecutionEvents(ctx, executionID, api.NewSignalReceived(signalID, payload, deliveryID))
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (*api.Execution, error) {
	exec, err := c.cfg.Persistence.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return exec, nil
}

func (c *Client) ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error) {
	return c.cfg.Persistence.Executions.ListExecutions(ctx, filter)
}

// GetHistory returns the full event history of an execution, markers
// included.
func (c *Client) GetHistory(ctx context.Context, executionID string) ([]api.WorkflowEvent, error) {
	if _, err := c.cfg.Persistence.Executions.GetExecution(ctx, executionID); err != nil {
		return nil, fmt.Errorf("get history of %s: %w", executionID, err)
	}
	return c.cfg.Persistence.History.GetEvents(ctx, executionID)
}

// WaitForCompletion polls until the execution is terminal or ctx is done.
func (c *Client) WaitForCompletion(ctx context.Context, executionID string, poll time.Duration) (*api.Execution, error) {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		exec, err := c.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}
