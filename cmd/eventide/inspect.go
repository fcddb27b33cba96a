package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/eventide"
)

func NewExecutionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"ls"},
		Usage:   "List executions stored in the backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "Only list executions of this workflow",
			},
			&cli.StringSliceFlag{
				Name:  "status",
				Usage: "Only list executions in these statuses (IN_PROGRESS, SUCCEEDED, FAILED)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Page size",
				Value: 50,
			},
			&cli.StringFlag{
				Name:  "next-token",
				Usage: "Continue from a previous page",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := openRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			filter := eventide.ExecutionFilter{
				WorkflowName: command.String("workflow"),
				Limit:        int(command.Int("limit")),
				NextToken:    command.String("next-token"),
			}
			for _, s := range command.StringSlice("status") {
				filter.Statuses = append(filter.Statuses, eventide.Status(s))
			}

			page, err := rt.ListExecutions(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}

			w := command.Root().Writer
			fmt.Fprintf(w, "%-48s %-12s %-25s %s\n", "ID", "STATUS", "STARTED", "ENDED")
			for _, e := range page.Executions {
				fmt.Fprintf(w, "%-48s %-12s %-25s %s\n", e.ID, e.Status, formatTime(e.StartTime), formatTime(e.EndTime))
			}
			if page.NextToken != "" {
				fmt.Fprintf(w, "\nnext token: %s\n", page.NextToken)
			}
			return nil
		},
	}
}

func NewHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show an execution and its event history",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return fmt.Errorf("execution id is required")
			}
			rt, err := openRuntime(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			exec, err := rt.GetExecution(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get execution: %w", err)
			}
			printExecution(command, exec)

			events, err := rt.GetHistory(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}
			w := command.Root().Writer
			fmt.Fprintf(w, "\nHistory (%d events):\n", len(events))
			for _, e := range events {
				fmt.Fprintf(w, "  %s  %-36s %s\n", formatTime(e.Timestamp), e.Type, e.ID)
			}
			return nil
		},
	}
}

func printExecution(command *cli.Command, exec *eventide.Execution) {
	w := command.Root().Writer
	fmt.Fprintf(w, "Execution: %s\n", exec.ID)
	fmt.Fprintf(w, "Workflow:  %s\n", exec.WorkflowName)
	fmt.Fprintf(w, "Status:    %s\n", exec.Status)
	fmt.Fprintf(w, "Started:   %s\n", formatTime(exec.StartTime))
	if exec.Status.IsTerminal() {
		fmt.Fprintf(w, "Ended:     %s\n", formatTime(exec.EndTime))
	}
	if exec.Parent != nil {
		fmt.Fprintf(w, "Parent:    %s\n", exec.Parent.ExecutionID)
	}
	switch exec.Status {
	case eventide.StatusSucceeded:
		fmt.Fprintf(w, "Result:    %v\n", exec.Result)
	case eventide.StatusFailed:
		fmt.Fprintf(w, "Error:     %s: %s\n", exec.Error, exec.Message)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func closeRuntime(rt *eventide.Runtime) {
	if err := rt.Close(); err != nil {
		slog.Error("Failed to close runtime", "error", err)
	}
}
