// Package eventide is an embeddable durable workflow engine for Go.
//
// A workflow is an ordinary Go function that receives a Context. Everything
// it does that touches the outside world goes through the Context: running a
// task, sleeping, starting a child workflow, waiting for a signal, reading an
// entity. Each such call is recorded in the execution's history. When a
// recorded call settles, the workflow is re-run from the start against the
// history, and the calls it already made are answered from the record
// instead of being issued again. A workflow therefore survives process
// restarts as long as it is deterministic.
//
// # Core Concepts
//
//  1. Workflow: a WorkflowFunc registered by name.
//  2. Task: a TaskFunc with a retry policy, run by a task worker.
//  3. Execution: one run of a workflow, identified by "<workflow>/<name>".
//  4. History: the append-only event log of an execution.
//  5. Runtime: the engine plus its workers, wired to a backend.
//
// # Writing Workflows
//
//	func onboard(ctx eventide.Context, input any) (any, error) {
//	    account, err := eventide.GetAs[string](ctx, ctx.ExecuteTask("create-account", input))
//	    if err != nil {
//	        return nil, err
//	    }
//	    if _, err := ctx.Sleep(24 * time.Hour).Get(ctx); err != nil {
//	        return nil, err
//	    }
//	    return ctx.ExecuteTask("send-welcome", account).Get(ctx)
//	}
//
// Workflows must not read the clock, draw random numbers or do I/O directly.
// Context.Now returns a replay-stable time and Context.Logger drops records
// while replaying.
//
// Futures compose with All, AllSettled and Race. WithTimeout bounds any call
// by another future, usually a Sleep.
//
// # Running Workflows
//
// NewLocalRuntime keeps everything in memory. NewRuntime takes a Config and
// connects to sqlite, postgres, redis or mongo for executions, history, task
// claims and the timer queue; NewSQLiteRuntime uses a caller-owned SQLite
// database.
//
//	rt := eventide.NewLocalRuntime()
//	_ = rt.RegisterWorkflow("onboard", onboard)
//	_ = rt.RegisterTask("create-account", createAccount, eventide.Retry(3).Policy())
//	_ = rt.Start(ctx)
//	defer rt.Close()
//
//	exec, err := rt.Execute(ctx, "onboard", "alice@example.com")
//
// # Delivery Guarantees
//
// Events reach orchestrators at least once and are deduplicated by id
// against history. Each task attempt is claimed by exactly one worker.
// Timers due within Config.TimerThreshold go on a delayed queue; later ones
// are held by a cron scheduler and forwarded to the queue shortly before
// they are due.
//
// For runnable programs, see the examples directory and cmd/eventide.
package eventide
