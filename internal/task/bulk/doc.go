// Package bulk keeps long per-member loops from running away: a Session
// tolerates a bounded number of expected failures, and Run adds a local
// circuit breaker, rate limiting and lease cancellation on top.
package bulk
