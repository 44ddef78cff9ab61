// Package scheduler defers actions to a future time.
//
// An action due within the ephemeral threshold (120s by default) lives only
// in process memory on a time.AfterFunc timer. It costs no store write, and
// it is LOST if the process exits before it fires. Anything further out is
// written to the durable timer table and fired later by the Reconciler,
// which polls for due rows.
//
// Either way the completion handler registered for the event in
// internal/task/dispatch runs once, and is never retried.
package scheduler
