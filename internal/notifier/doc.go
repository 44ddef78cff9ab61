// Package notifier delivers recorded moderation cases to whatever watches
// them: a guild log channel, the event bus, or both.
//
// # Batching
//
// The ledger hands every case to Service.Publish, which never blocks. Cases
// are collected into batches of BatchSize and flushed at least every
// FlushInterval. Stop drains the queue and flushes the last partial batch
// before returning.
//
// # Delivery
//
// Delivery is best-effort: a failed batch is logged and counted, never
// retried, and never affects the case itself, which is already stored.
package notifier
