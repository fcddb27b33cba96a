package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/eventide"
)

// registerDemo registers the workflows the CLI can run.
//
//	greet     upper-cases its input in a task
//	countdown sleeps one second per step and returns the number of steps
//	approval  waits for an "approve" signal for at most a minute
func registerDemo(rt *eventide.Runtime) error {
	tasks := map[string]eventide.TaskFunc{
		"upper": func(ctx context.Context, input any) (any, error) {
			s, ok := input.(string)
			if !ok {
				return nil, fmt.Errorf("upper: expected string, got %T", input)
			}
			return strings.ToUpper(s), nil
		},
	}
	for name, fn := range tasks {
		if err := rt.RegisterTask(name, fn, eventide.Retry(3).WithConstantBackoff(100*time.Millisecond).Policy()); err != nil {
			return err
		}
	}

	workflows := map[string]eventide.WorkflowFunc{
		"greet":     greetWorkflow,
		"countdown": countdownWorkflow,
		"approval":  approvalWorkflow,
	}
	for name, fn := range workflows {
		if err := rt.RegisterWorkflow(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func greetWorkflow(ctx eventide.Context, input any) (any, error) {
	name, err := eventide.GetAs[string](ctx, ctx.ExecuteTask("upper", input))
	if err != nil {
		return nil, err
	}
	ctx.Logger().Info("greeted", "name", name)
	return "hello " + name, nil
}

func countdownWorkflow(ctx eventide.Context, input any) (any, error) {
	steps := 3
	if s, ok := input.(string); ok && s != "" {
		if _, err := fmt.Sscanf(s, "%d", &steps); err != nil {
			return nil, fmt.Errorf("countdown: %w", err)
		}
	}
	for i := steps; i > 0; i-- {
		ctx.Logger().Info("tick", "remaining", i)
		if _, err := ctx.Sleep(time.Second).Get(ctx); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func approvalWorkflow(ctx eventide.Context, input any) (any, error) {
	v, err := ctx.ExpectSignal("approve", eventide.WithTimeout(ctx.Sleep(time.Minute))).Get(ctx)
	if errors.Is(err, eventide.ErrTimeout) {
		return "expired", nil
	}
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("approved by %v", v), nil
}
