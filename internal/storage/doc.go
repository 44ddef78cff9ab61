// Package storage is the persistence layer shared by the deferred-action
// scheduler and the audit ledger.
//
// It provides:
//   - the durable timer table (not-yet-fired deferred actions)
//   - the per-guild case table and its atomic "next case id" sequence
//   - an optional Redis-backed sequence for deployments that keep counters
//     in the key/value cache
//
// The store never holds locks across calls; atomicity of inserts and
// sequence increments is delegated to the backing database.
package storage
