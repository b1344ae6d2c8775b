// Package engine implements the offline outbox sync engine.
//
// An Engine owns five collaborating parts:
//
//   - queue: the in-memory projection of the durable store, kept in
//     lockstep with it (store first, memory second)
//   - flush coordinator: a single-flight drain loop that delivers entries
//     one at a time in FIFO order
//   - RetryPolicy: classifies each failed attempt into a backoff retry or a
//     terminal state (conflict, validation, exhausted)
//   - publisher: derives the aggregate State and hands it to subscribers
//   - reconciler: installs optimistic records in a caller's ReadCache and
//     confirms or flags them as deliveries resolve
//
// # Triggers
//
// Enqueue, connectivity restored, the poll ticker, backoff expiry and
// manual calls all funnel into the same coordinator. A trigger that
// arrives during a pass is coalesced into exactly one follow-up pass.
//
// # Thread-safety
//
// Every exported method is safe for concurrent use. Remote submits happen
// only on the coordinator's goroutine, so at most one delivery is in
// flight at any instant.
package engine
