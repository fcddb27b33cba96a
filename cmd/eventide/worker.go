package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/eventide"
)

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run orchestrator, task and timer workers until interrupted",
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Failed to close runtime", "error", err)
				}
			}()

			if err := rt.Start(ctx); err != nil {
				return fmt.Errorf("failed to start workers: %w", err)
			}
			slog.Info("Workers started", "workflows", strings.Join(rt.WorkflowNames(), ","))

			<-ctx.Done()
			slog.Info("Shutting down workers")
			return nil
		},
	}
}

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Start an execution, run workers until it completes and print the result",
		ArgsUsage: "<workflow>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "Execution name (generated if empty)",
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Input passed to the workflow as a string",
			},
			&cli.StringSliceFlag{
				Name:  "signal",
				Usage: "Signal to send once the execution started, as id=payload",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			workflow := command.Args().First()
			if workflow == "" {
				return fmt.Errorf("workflow name is required")
			}
			signals, err := parseSignals(command.StringSlice("signal"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					slog.Error("Failed to close runtime", "error", err)
				}
			}()
			if err := rt.Start(ctx); err != nil {
				return fmt.Errorf("failed to start workers: %w", err)
			}

			var input any
			if command.IsSet("input") {
				input = command.String("input")
			}
			res, err := rt.StartExecution(ctx, eventide.StartExecutionRequest{
				WorkflowName:  workflow,
				ExecutionName: command.String("name"),
				Input:         input,
			})
			if err != nil {
				return fmt.Errorf("failed to start execution: %w", err)
			}
			slog.Info("Execution started", "execution_id", res.ExecutionID, "already_running", res.AlreadyRunning)

			if len(signals) > 0 {
				if err := waitForFirstTurn(ctx, rt, res.ExecutionID); err != nil {
					return err
				}
			}
			for _, s := range signals {
				if err := rt.SendSignal(ctx, res.ExecutionID, s.id, s.payload); err != nil {
					return fmt.Errorf("failed to send signal %s: %w", s.id, err)
				}
			}

			exec, err := rt.WaitForCompletion(ctx, res.ExecutionID)
			if err != nil {
				return err
			}
			printExecution(command, exec)
			if exec.Status == eventide.StatusFailed {
				return fmt.Errorf("execution %s failed: %s", exec.ID, exec.Message)
			}
			return nil
		},
	}
}

// waitForFirstTurn blocks until the execution has completed a turn, so the
// program has had the chance to expect the signals sent next.
func waitForFirstTurn(ctx context.Context, rt *eventide.Runtime, executionID string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := rt.GetHistory(ctx, executionID)
		if err != nil {
			return err
		}
		for _, e := range events {
			if e.Type == eventide.EventWorkflowTurnCompleted {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type signalArg struct {
	id      string
	payload string
}

func parseSignals(raw []string) ([]signalArg, error) {
	out := make([]signalArg, 0, len(raw))
	for _, s := range raw {
		id, payload, _ := strings.Cut(s, "=")
		if id == "" {
			return nil, fmt.Errorf("invalid signal %q: expected id=payload", s)
		}
		out = append(out, signalArg{id: id, payload: payload})
	}
	return out, nil
}
