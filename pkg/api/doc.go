// Package api contains the types shared by workflow programs, the engine and
// its backends.
//
// Most users interact with the top-level eventide package, which re-exports
// the commonly used types. The api package is intended for custom backends,
// observers and tooling.
//
// # Workflow Programs
//
// A WorkflowFunc receives a Context. Every interaction with the outside world
// is a call on the Context that returns a Future: tasks, timers, child
// workflows, signals, entity, bucket and search requests, and transactions.
// Calls are numbered in the order the program issues them; that number
// (seq) ties each call to the history events that record it.
//
// # History
//
// WorkflowEvent is the unit of an execution's append-only history. Event
// types are classified as history events (replayed into the program),
// scheduled events (a call was issued) and result events (a call or the
// workflow settled). Result events of a call carry a stable id derived from
// seq and type, so a redelivered result is recognised as a duplicate.
//
// # Observability
//
// Observer receives lifecycle callbacks from the engine and the workers.
// LoggingObserver writes them with log/slog, BasicMetrics keeps counters,
// OtelObserver exports spans and metrics through OpenTelemetry, and
// CompositeObserver fans out to several of them.
package api
