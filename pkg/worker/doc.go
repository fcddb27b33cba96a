// Package worker runs the background loops that drive executions forward.
//
// Three kinds of worker cooperate:
//
//   - OrchestratorWorker receives execution events in batches, groups them
//     by execution and processes one turn per group. Groups run in
//     parallel; turns of the same execution never overlap.
//   - TaskWorker receives task requests, claims each attempt once, runs the
//     registered task function and reports the outcome to the execution.
//     Failed attempts are retried according to the task's RetryPolicy.
//   - TimerWorker drains the delayed timer queue and hands fired timers to
//     the timer handler.
//
// Workers are decoupled from the backends: they depend on the transport,
// timer queue and persistence interfaces, so the same loops run in-process
// with memory transports or against watermill and a database.
//
// Most applications get workers from the eventide runtimes, which wire
// stores, transports and observers together with defaults.
package worker
